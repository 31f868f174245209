package common

import (
	"fmt"
	"strings"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

// RequestValidator checks API request bodies. It satisfies echo.Validator.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New()
	// registration only fails on an empty tag or a nil func
	_ = v.RegisterValidation("checksum_addr", func(fl validator.FieldLevel) bool {
		return ValidateAddress(fl.Field().String()) == nil
	})
	return &RequestValidator{validate: v}
}

func (v *RequestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// ValidateAddress accepts a hex address. Mixed case addresses must carry a
// valid EIP-55 checksum.
func ValidateAddress(address string) error {
	mixedCaseAddress, err := gcommon.NewMixedcaseAddressFromString(address)
	if err != nil {
		return fmt.Errorf("invalid address: %s", address)
	}

	// if the address is not all lowercase, check the checksum
	if strings.ToLower(address) != address && !mixedCaseAddress.ValidChecksum() {
		return fmt.Errorf("invalid address checksum: %s", address)
	}
	return nil
}

// ParseAddress validates address and returns it.
func ParseAddress(address string) (gcommon.Address, error) {
	if err := ValidateAddress(address); err != nil {
		return gcommon.Address{}, err
	}
	return gcommon.HexToAddress(address), nil
}
