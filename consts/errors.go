package consts

import "errors"

var (
	ErrAuthentication      = errors.New("invalid peer key")
	ErrInvalidRecipientSet = errors.New("invalid recipient set")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrRuleValidation      = errors.New("rule validation failed")
	ErrSend                = errors.New("send failed")

	ErrPeerNotFound    = errors.New("peer not found")
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrRuleNotFound    = errors.New("filter rule not found")
	ErrInternalError   = errors.New("internal error")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")
	ErrDBInsertFailed    = errors.New("insert failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
