package collector

import (
	"testing"

	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

func TestNew_KnownTagsReturnTheirCollector(t *testing.T) {
	driver := &fakeDriver{}
	creds := vmdriver.Credentials{}
	for _, tag := range SupportedTags() {
		c := New(tag, "vm1", driver, creds, Timeouts{})
		if c == nil {
			t.Fatalf("New(%q) returned nil", tag)
		}
	}
}

func TestNew_UnknownTagFallsBackToDefender(t *testing.T) {
	driver := &fakeDriver{}
	c := New("totally-unsupported-av", "vm1", driver, vmdriver.Credentials{}, Timeouts{})
	if _, ok := c.(*defenderCollector); !ok {
		t.Fatalf("expected unknown tag to fall back to *defenderCollector, got %T", c)
	}
}

func TestNew_TagIsCaseAndSpaceInsensitive(t *testing.T) {
	driver := &fakeDriver{}
	c := New("  Kaspersky  ", "vm1", driver, vmdriver.Credentials{}, Timeouts{})
	if _, ok := c.(*kasperskyCollector); !ok {
		t.Fatalf("expected case/space-insensitive match to kaspersky collector, got %T", c)
	}
}
