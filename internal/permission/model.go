package permission

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

var ErrInvalidPermission = errors.New("invalid permission")

// Mask is a set of permissions, one bit per permission ordinal.
type Mask uint8

func MaskOf(perms ...types.Permission) Mask {
	var m Mask
	for _, p := range perms {
		m |= 1 << p
	}
	return m
}

func (m Mask) Has(p types.Permission) bool {
	return m&(1<<p) != 0
}

func (m Mask) List() []types.Permission {
	perms := make([]types.Permission, 0, len(types.AllPermissions))
	for _, p := range types.AllPermissions {
		if m.Has(p) {
			perms = append(perms, p)
		}
	}
	return perms
}

// Patch is the difference between the committed and the draft permissions.
type Patch struct {
	ToAdd    []types.PermissionSet `json:"to_add"`
	ToRemove []common.Address      `json:"to_remove"`
	ToModify []types.PermissionSet `json:"to_modify"`
}

func (p Patch) Empty() bool {
	return len(p.ToAdd) == 0 && len(p.ToRemove) == 0 && len(p.ToModify) == 0
}

// PermissionSets is the payload of the permission manager modify call.
// Removed operators are sent with an empty set.
func (p Patch) PermissionSets() []types.PermissionSet {
	sets := make([]types.PermissionSet, 0, len(p.ToAdd)+len(p.ToRemove)+len(p.ToModify))
	sets = append(sets, p.ToAdd...)
	sets = append(sets, p.ToModify...)
	for _, operator := range p.ToRemove {
		sets = append(sets, types.PermissionSet{Operator: operator, Permissions: []types.Permission{}})
	}
	sortSets(sets)
	return sets
}

// Diff compares two permission lists. Operators without permissions are
// treated as absent and the result is sorted by operator.
func Diff(committed, draft []types.PermissionSet) Patch {
	return diffMasks(toMasks(committed), toMasks(draft))
}

// Apply returns committed with each of sets replacing its operator's
// permissions, the way the permission manager modify call does.
func Apply(committed, sets []types.PermissionSet) []types.PermissionSet {
	masks := toMasks(committed)
	for _, set := range sets {
		mask := MaskOf(set.Permissions...)
		if mask == 0 {
			delete(masks, set.Operator)
			continue
		}
		masks[set.Operator] = mask
	}
	return toSets(masks)
}

// Model is an editable draft of a position's operator permissions.
type Model struct {
	mu        sync.Mutex
	committed map[common.Address]Mask
	draft     map[common.Address]Mask
}

func NewModel(committed []types.PermissionSet) *Model {
	m := &Model{}
	m.reset(toMasks(committed))
	return m
}

// AddOperator grants permissions, merging with what the operator already has.
func (m *Model) AddOperator(operator common.Address, perms ...types.Permission) error {
	if err := checkPermissions(perms); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.draft[operator] |= MaskOf(perms...)
	if m.draft[operator] == 0 {
		delete(m.draft, operator)
	}
	return nil
}

func (m *Model) RemoveOperator(operator common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.draft, operator)
}

func (m *Model) TogglePermission(operator common.Address, perm types.Permission) error {
	if err := checkPermissions([]types.Permission{perm}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mask := m.draft[operator] ^ MaskOf(perm)
	if mask == 0 {
		delete(m.draft, operator)
		return nil
	}
	m.draft[operator] = mask
	return nil
}

func (m *Model) Draft() []types.PermissionSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return toSets(m.draft)
}

func (m *Model) Committed() []types.PermissionSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return toSets(m.committed)
}

func (m *Model) Diff() Patch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return diffMasks(m.committed, m.draft)
}

func (m *Model) HasModifications() bool {
	return !m.Diff().Empty()
}

// SetDraft replaces the whole draft.
func (m *Model) SetDraft(sets []types.PermissionSet) error {
	for _, set := range sets {
		if err := checkPermissions(set.Permissions); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft = toMasks(sets)
	return nil
}

// Discard drops every draft change.
func (m *Model) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft = cloneMasks(m.committed)
}

// Commit replaces the committed permissions with the confirmed chain state
// and resets the draft to it.
func (m *Model) Commit(committed []types.PermissionSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset(toMasks(committed))
}

func (m *Model) reset(committed map[common.Address]Mask) {
	m.committed = committed
	m.draft = cloneMasks(committed)
}

func diffMasks(committed, draft map[common.Address]Mask) Patch {
	patch := Patch{
		ToAdd:    []types.PermissionSet{},
		ToRemove: []common.Address{},
		ToModify: []types.PermissionSet{},
	}
	for operator, mask := range draft {
		before, ok := committed[operator]
		switch {
		case !ok:
			patch.ToAdd = append(patch.ToAdd, types.PermissionSet{Operator: operator, Permissions: mask.List()})
		case before != mask:
			patch.ToModify = append(patch.ToModify, types.PermissionSet{Operator: operator, Permissions: mask.List()})
		}
	}
	for operator := range committed {
		if _, ok := draft[operator]; !ok {
			patch.ToRemove = append(patch.ToRemove, operator)
		}
	}
	sortSets(patch.ToAdd)
	sortSets(patch.ToModify)
	sort.Slice(patch.ToRemove, func(i, j int) bool {
		return bytes.Compare(patch.ToRemove[i].Bytes(), patch.ToRemove[j].Bytes()) < 0
	})
	return patch
}

func toMasks(sets []types.PermissionSet) map[common.Address]Mask {
	masks := make(map[common.Address]Mask, len(sets))
	for _, set := range sets {
		mask := masks[set.Operator] | MaskOf(set.Permissions...)
		if mask == 0 {
			continue
		}
		masks[set.Operator] = mask
	}
	return masks
}

func toSets(masks map[common.Address]Mask) []types.PermissionSet {
	sets := make([]types.PermissionSet, 0, len(masks))
	for operator, mask := range masks {
		sets = append(sets, types.PermissionSet{Operator: operator, Permissions: mask.List()})
	}
	sortSets(sets)
	return sets
}

func cloneMasks(masks map[common.Address]Mask) map[common.Address]Mask {
	c := make(map[common.Address]Mask, len(masks))
	for k, v := range masks {
		c[k] = v
	}
	return c
}

func sortSets(sets []types.PermissionSet) {
	sort.Slice(sets, func(i, j int) bool {
		return bytes.Compare(sets[i].Operator.Bytes(), sets[j].Operator.Bytes()) < 0
	})
}

func checkPermissions(perms []types.Permission) error {
	for _, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("%w: %d", ErrInvalidPermission, uint8(p))
		}
	}
	return nil
}
