package adv

import (
	"unicode/utf8"

	"github.com/rigado/blepm"
)

// Identity builds the device identification payload: discoverable flags, the
// given service UUIDs and the local name. UUIDs that do not all fit go out as
// an incomplete list. If the name doesn't fit in the advertising data it is put
// in the scan response, shortened if needed.
func Identity(name string, uuids ...blepm.UUID) (ad, sr []byte, err error) {
	a, err := NewPacket(Flags(FlagGeneralDiscoverable | FlagLEOnly))
	if err != nil {
		return nil, nil, err
	}
	f := AllUUID

	// current length plus two bytes of length and tag
	l := a.Len() + 1 + 1
	for _, u := range uuids {
		l += u.Len()
	}
	if l > MaxEIRPacketLength {
		f = SomeUUID
	}
	for _, u := range uuids {
		if err := a.Append(f(u)); err != nil {
			if err == ErrNotFit {
				break
			}
			return nil, nil, err
		}
	}

	s, err := NewPacket()
	if err != nil {
		return nil, nil, err
	}
	if name != "" {
		switch {
		case a.Append(CompleteName(name)) == nil:
		case s.Append(CompleteName(name)) == nil:
		default:
			// room left after the two header bytes
			if err := s.Append(ShortName(shorten(name, MaxEIRPacketLength-2))); err != nil {
				return nil, nil, err
			}
		}
	}
	return a.Bytes(), s.Bytes(), nil
}

// shorten cuts name to at most n bytes without splitting a UTF-8 sequence.
func shorten(name string, n int) string {
	if len(name) <= n {
		return name
	}
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}
