package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/config"
)

// Setup error codes shown to the user.
const (
	ErrCodeCannotConnect  = "cannot_connect"
	ErrCodeInvalidAddress = "invalid_address"
	ErrCodeUnknown        = "unknown"
)

// AddressResolver is the part of the API client setup needs.
type AddressResolver interface {
	Initialize(ctx context.Context) error
	ResolveAddress(ctx context.Context, address string) (birclient.PropertyID, error)
}

// SetupError carries the user-facing code of a failed setup.
type SetupError struct {
	Code string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ValidateInput logs in, resolves address and returns the entry to store.
// Failures are *SetupError.
func ValidateInput(ctx context.Context, client AddressResolver, address string) (config.Entry, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return config.Entry{}, &SetupError{Code: ErrCodeInvalidAddress, Err: errors.New("address is empty")}
	}
	if err := client.Initialize(ctx); err != nil {
		return config.Entry{}, &SetupError{Code: setupCode(err), Err: err}
	}
	id, err := client.ResolveAddress(ctx, address)
	if err != nil {
		return config.Entry{}, &SetupError{Code: setupCode(err), Err: err}
	}
	return config.NewEntry(address, id), nil
}

func setupCode(err error) string {
	var (
		authErr      *birclient.AuthenticationError
		transientErr *birclient.TransientNetworkError
		statusErr    *birclient.StatusError
	)
	switch {
	case errors.Is(err, birclient.ErrAddressNotFound):
		return ErrCodeInvalidAddress
	case errors.As(err, &authErr), errors.As(err, &transientErr), errors.As(err, &statusErr),
		errors.Is(err, context.DeadlineExceeded):
		return ErrCodeCannotConnect
	}
	return ErrCodeUnknown
}
