package mempool

import "errors"

var (
	ErrPoolFull               = errors.New("mempool is full")
	ErrReplacementUnderpriced = errors.New("replacement operation underpriced")
	ErrAlreadyKnown           = errors.New("operation already known")
	ErrInvalidFees            = errors.New("max fee per gas is lower than max priority fee per gas")
	ErrEntityBanned           = errors.New("entity is banned")
	ErrEntityThrottled        = errors.New("entity is throttled")
	ErrPaymasterBalanceTooLow = errors.New("paymaster balance too low for operation prefund")
	ErrSenderOpsLimit         = errors.New("sender has too many operations in pool")
	ErrMissingSimulator       = errors.New("mempool has no simulator configured")
	ErrMissingStakeReader     = errors.New("mempool has no stake reader configured")
)
