package ebpf

import (
	"strings"
	"testing"
)

func TestParseKernelVersion(t *testing.T) {
	cases := []struct {
		in           string
		major, minor int
	}{
		{"5.15.0-91-generic", 5, 15},
		{"6.8.4", 6, 8},
		{"4.19.0+", 4, 19},
		{"5.8-rc1", 5, 8},
		{"garbage", 0, 0},
		{"", 0, 0},
	}
	for _, c := range cases {
		major, minor := parseKernelVersion(c.in)
		if major != c.major || minor != c.minor {
			t.Errorf("parseKernelVersion(%q) = %d.%d, want %d.%d",
				c.in, major, minor, c.major, c.minor)
		}
	}
}

func TestVerifyRequiresRingBuffer(t *testing.T) {
	k := &KernelInfo{Version: "5.4.0", Major: 5, Minor: 4, BTFAvailable: true}
	err := k.Verify()
	if err == nil {
		t.Fatal("kernel 5.4 must be rejected")
	}
	if !strings.Contains(err.Error(), "5.8") {
		t.Errorf("diagnostic should name the required version: %v", err)
	}
}

func TestVerifyRequiresBTF(t *testing.T) {
	k := &KernelInfo{Version: "6.1.0", Major: 6, Minor: 1, RingBuffer: true}
	if err := k.Verify(); err == nil {
		t.Fatal("missing BTF must be rejected")
	}
}

func TestVerifyAcceptsModernKernel(t *testing.T) {
	k := &KernelInfo{Version: "6.1.0", Major: 6, Minor: 1, RingBuffer: true, BTFAvailable: true}
	if err := k.Verify(); err != nil {
		t.Fatalf("modern kernel rejected: %v", err)
	}
}

func TestFormatCapabilitiesListsGroups(t *testing.T) {
	out := FormatCapabilities(map[string]bool{"bpffs": true})
	for _, want := range []string{"Core BPF", "Tracing", "BTF/CO-RE", "bpffs"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
