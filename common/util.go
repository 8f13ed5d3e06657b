package common

import (
	"fmt"
	"os"
)

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Assert panics with the formatted message if cond is false. It is used for programming errors only, never for
// conditions a caller could recover from.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

// Remove deletes the file and ignores the error. Tests use it to clean up volumes.
func Remove(file string) {
	_ = os.Remove(file)
}

func Ternary[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}
