package rerror

import (
	"errors"
	"fmt"
)

const (
	RCOPY_UNEXPECTED       = "RCOPYU"
	RCOPY_CONFIG_ERROR     = "RCOPYC"
	RCOPY_CONNECTION_ERROR = "RCOPYO"
	RCOPY_TRANSFER_ERROR   = "RCOPYT"
	RCOPY_USER_ABORT       = "RCOPYA"
)

var existingErrorCodeMap = map[string]string{
	RCOPY_CONFIG_ERROR:     "Configuration error",
	RCOPY_CONNECTION_ERROR: "Connection error",
	RCOPY_TRANSFER_ERROR:   "Transfer error",
	RCOPY_USER_ABORT:       "Aborted by user",
}

var exitCodes = map[string]int{
	RCOPY_USER_ABORT:       1,
	RCOPY_CONFIG_ERROR:     2,
	RCOPY_CONNECTION_ERROR: 3,
	RCOPY_TRANSFER_ERROR:   4,
}

// GetMessageByCode returns a human readable name of the error code.
func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &RcopyError{}

type RcopyError struct {
	Err error

	ErrorCode string
}

// New creates a coded error with the given message.
func New(errorCode string, errorMsg string) *RcopyError {
	return &RcopyError{
		Err:       errors.New(errorMsg),
		ErrorCode: errorCode,
	}
}

// Newf creates a coded error with a formatted message.
func Newf(errorCode string, format string, a ...any) *RcopyError {
	return &RcopyError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

// Wrap attaches an error code to err. A nil err stays nil. An error that
// already carries a code keeps it.
func Wrap(errorCode string, err error) error {
	if err == nil {
		return nil
	}
	var re *RcopyError
	if errors.As(err, &re) {
		return err
	}
	return &RcopyError{
		Err:       err,
		ErrorCode: errorCode,
	}
}

func (er *RcopyError) Error() string {
	return fmt.Sprintf("%s: %s", GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *RcopyError) Unwrap() error {
	return er.Err
}

// Code returns the code of the first RcopyError in err's chain, or
// RCOPY_UNEXPECTED.
func Code(err error) string {
	var re *RcopyError
	if errors.As(err, &re) {
		return re.ErrorCode
	}
	return RCOPY_UNEXPECTED
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[Code(err)]; ok {
		return code
	}
	return 5
}
