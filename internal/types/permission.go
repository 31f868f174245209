package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Permission ordinals follow the permission manager contract enum.
type Permission uint8

const (
	PermissionIncrease Permission = iota
	PermissionReduce
	PermissionWithdraw
	PermissionTerminate
)

var AllPermissions = []Permission{
	PermissionIncrease,
	PermissionReduce,
	PermissionWithdraw,
	PermissionTerminate,
}

var permissionNames = map[Permission]string{
	PermissionIncrease:  "INCREASE",
	PermissionReduce:    "REDUCE",
	PermissionWithdraw:  "WITHDRAW",
	PermissionTerminate: "TERMINATE",
}

func ParsePermission(s string) (Permission, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for p, n := range permissionNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid permission: %s", s)
}

func (p Permission) Valid() bool {
	_, ok := permissionNames[p]
	return ok
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Permission(%d)", uint8(p))
}

func (p Permission) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid permission: %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type PermissionSet struct {
	Operator    common.Address `json:"operator"`
	Permissions []Permission   `json:"permissions"`
}
