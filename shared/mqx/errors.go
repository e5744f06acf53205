package mqx

import "errors"

var (
	ErrAlreadySettled = errors.New("delivery already settled")
	ErrNotSettleable  = errors.New("delivery has no settler")
	ErrBrokerClosed   = errors.New("broker closed")
	ErrUnknownDriver  = errors.New("unknown broker driver")
	ErrNotDeclared    = errors.New("exchange or queue not declared")
	ErrPublishNacked  = errors.New("broker rejected publish")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that redelivery cannot fix. The consumer
// parks such messages instead of requeueing them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
