package main

import (
	"errors"
	"os"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, apperr.ErrCanceled) {
			exitWithCode(err, exitCanceled)
		}

		exitOnError(err)
	}
}
