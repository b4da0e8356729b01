package device

import (
	"sync"

	"github.com/giapdangle/sapphire-tools/protocols"
)

// Status is a device's reachability as tracked by the session.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusReboot  Status = "reboot"
)

// Warning flag bits carried in the sys_warnings parameter.
const (
	WarnMemFull          uint32 = 0x01
	WarnNetMsgFull       uint32 = 0x02
	WarnFlashFSFail      uint32 = 0x04
	WarnFlashFSHardError uint32 = 0x08
	WarnConfigFull       uint32 = 0x10
	WarnConfigWriteFail  uint32 = 0x20
)

var warningNames = []struct {
	bit  uint32
	name string
}{
	{WarnMemFull, "mem_full"},
	{WarnNetMsgFull, "netmsg_full"},
	{WarnFlashFSFail, "flashfs_fail"},
	{WarnFlashFSHardError, "flashfs_hard_error"},
	{WarnConfigFull, "config_full"},
	{WarnConfigWriteFail, "config_write_fail"},
}

// DecodeWarnings expands a sys_warnings value into symbolic names.
func DecodeWarnings(flags uint32) []string {
	var out []string
	for _, w := range warningNames {
		if flags&w.bit != 0 {
			out = append(out, w.name)
		}
	}
	return out
}

// Key is one entry of a device's parameter catalog.
type Key struct {
	Name  string
	Group uint8
	ID    uint8
	Type  protocols.KVType
	Flags uint16
}

// ReadOnly reports whether the device rejects writes to this parameter.
func (k *Key) ReadOnly() bool { return k.Flags&protocols.FlagReadOnly != 0 }

// Persist reports whether the device keeps the parameter across reboots.
func (k *Key) Persist() bool { return k.Flags&protocols.FlagPersist != 0 }

func keyRef(group, id uint8) uint16 { return uint16(group)<<8 | uint16(id) }

// Catalog is the parameter table rebuilt from a device's kvmeta file.
// The table itself is fixed after build; the last seen values are cached
// alongside and may be updated from any goroutine.
type Catalog struct {
	byName map[string]*Key
	byRef  map[uint16]*Key
	order  []string

	mu     sync.Mutex
	values map[string]any
}

// NewCatalog builds a catalog from decoded kvmeta rows. Duplicate names
// and duplicate group/id pairs are hard errors: a device reporting either
// has corrupt metadata nothing downstream could trust.
func NewCatalog(rows []*protocols.KVMeta) (*Catalog, error) {
	c := &Catalog{
		byName: make(map[string]*Key, len(rows)),
		byRef:  make(map[uint16]*Key, len(rows)),
		values: make(map[string]any),
	}
	for _, m := range rows {
		if _, dup := c.byName[m.Name]; dup {
			return nil, &DuplicateKeyNameError{Name: m.Name}
		}
		if _, dup := c.byRef[keyRef(m.Group, m.ID)]; dup {
			return nil, &DuplicateKeyIDError{Group: m.Group, ID: m.ID}
		}
		k := &Key{Name: m.Name, Group: m.Group, ID: m.ID, Type: m.Type, Flags: m.Flags}
		c.byName[k.Name] = k
		c.byRef[keyRef(k.Group, k.ID)] = k
		c.order = append(c.order, k.Name)
	}
	return c, nil
}

// Get returns the catalog entry for a parameter name.
func (c *Catalog) Get(name string) (*Key, bool) {
	k, ok := c.byName[name]
	return k, ok
}

// FindByRef returns the entry for a group/id pair.
func (c *Catalog) FindByRef(group, id uint8) (*Key, bool) {
	k, ok := c.byRef[keyRef(group, id)]
	return k, ok
}

// Names lists every parameter in kvmeta order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.order) }

// SetValue caches the last value seen for a parameter.
func (c *Catalog) SetValue(name string, v any) {
	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
}

// Value returns the cached value for a parameter, if any was seen.
func (c *Catalog) Value(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[name]
	return v, ok
}
