package service

import "errors"

var (
	ErrInvalidInput  = errors.New("invalid_input")
	ErrVaultDisabled = errors.New("secret_vault_not_configured")
)
