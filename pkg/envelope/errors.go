package envelope

import "errors"

var (
	ErrDecryptionFailed     = errors.New("envelope: key unwrap failed")
	ErrAuthenticationFailed = errors.New("envelope: message authentication failed")
)
