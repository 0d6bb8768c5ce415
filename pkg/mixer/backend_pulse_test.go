package mixer

import (
	"testing"

	"github.com/jfreymuth/pulse/proto"
)

func TestApplicationName(t *testing.T) {
	named := proto.PropList{
		"application.name":           proto.PropListString("Firefox"),
		"application.process.binary": proto.PropListString("firefox-bin"),
	}
	if got := applicationName(named, "fallback"); got != "Firefox" {
		t.Fatalf("applicationName = %s, want Firefox", got)
	}

	binaryOnly := proto.PropList{
		"application.process.binary": proto.PropListString("mpv"),
	}
	if got := applicationName(binaryOnly, "fallback"); got != "mpv" {
		t.Fatalf("applicationName = %s, want mpv", got)
	}

	if got := applicationName(proto.PropList{}, "Stream name"); got != "Stream name" {
		t.Fatalf("applicationName = %s, want the fallback", got)
	}

	if got := applicationName(nil, ""); got != "Unknown" {
		t.Fatalf("applicationName = %s, want Unknown", got)
	}
}

func TestPercentFromVolumes(t *testing.T) {
	cases := []struct {
		volumes []uint32
		want    int
	}{
		{nil, 0},
		{[]uint32{0}, 0},
		{[]uint32{0x10000}, 100},
		{[]uint32{0x8000, 0x8000}, 50},
		{[]uint32{0x10000, 0x8000}, 75},
		{[]uint32{0x18000}, 150},
	}

	for _, c := range cases {
		if got := percentFromVolumes(c.volumes); got != c.want {
			t.Fatalf("percentFromVolumes(%v) = %d, want %d", c.volumes, got, c.want)
		}
	}
}

func TestChannelVolumes(t *testing.T) {
	full := channelVolumes(2, 100)
	if len(full) != 2 || full[0] != 0x10000 || full[1] != 0x10000 {
		t.Fatalf("channelVolumes(2, 100) = %v", full)
	}

	// zero channel counts never happen, but a reply claiming one must not
	// produce an empty volume list
	if got := channelVolumes(0, 50); len(got) != 1 {
		t.Fatalf("channelVolumes(0, 50) = %v", got)
	}

	if got := channelVolumes(1, 0); got[0] != 0 {
		t.Fatalf("channelVolumes(1, 0) = %v", got)
	}
}

func TestVolumePercentRoundTrip(t *testing.T) {
	for _, percent := range []int{0, 1, 25, 50, 83, 100, 125, 150} {
		if got := percentFromVolumes(channelVolumes(2, percent)); got != percent {
			t.Fatalf("round trip for %d%% produced %d%%", percent, got)
		}
	}
}
