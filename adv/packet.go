package adv

import (
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

// Packet is an advertising or scan response payload, either being built from
// fields or decoded from bytes. Refer to Supplement to Bluetooth Core Specification | CSSv6, Part A.
type Packet struct {
	b []byte
	r records
}

// Bytes returns the bytes of the packet.
func (p *Packet) Bytes() []byte {
	return p.b
}

// Len returns the length of the packet.
func (p *Packet) Len() int {
	return len(p.b)
}

// NewPacket returns a new advertising Packet built from fields.
func NewPacket(fields ...Field) (*Packet, error) {
	p := &Packet{b: make([]byte, 0, MaxEIRPacketLength)}
	for _, f := range fields {
		if err := f(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Decode parses a payload produced by NewPacket or received over the air.
func Decode(b []byte) (*Packet, error) {
	r, err := decode(b)
	if err != nil {
		return nil, errors.Wrap(err, "pdu decode")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Packet{b: cp, r: r}, nil
}

// Field is an advertising field which can be appended to a packet.
type Field func(p *Packet) error

// Append appends a field to the packet. It returns ErrNotFit if the field
// doesn't fit into the packet, and leaves the packet intact.
func (p *Packet) Append(f Field) error {
	return f(p)
}

func (p *Packet) append(typ byte, b []byte) error {
	if p.Len()+1+1+len(b) > MaxEIRPacketLength {
		return ErrNotFit
	}
	p.b = append(p.b, byte(len(b)+1), typ)
	p.b = append(p.b, b...)
	p.r.add(typ, b)
	return nil
}

// Raw appends already encoded fields to the packet.
func Raw(b []byte) Field {
	return func(p *Packet) error {
		if p.Len()+len(b) > MaxEIRPacketLength {
			return ErrNotFit
		}
		r, err := decode(b)
		if err != nil {
			return errors.Wrap(ErrInvalid, err.Error())
		}
		p.b = append(p.b, b...)
		p.r.merge(r)
		return nil
	}
}

// Flags is a flags field.
func Flags(f byte) Field {
	return func(p *Packet) error {
		return p.append(flags, []byte{f})
	}
}

// ShortName is a shortened local name.
func ShortName(n string) Field {
	return func(p *Packet) error {
		return p.append(shortName, []byte(n))
	}
}

// CompleteName is a complete local name.
func CompleteName(n string) Field {
	return func(p *Packet) error {
		return p.append(completeName, []byte(n))
	}
}

// TxPower is the advertised transmit power level in dBm.
func TxPower(dbm int8) Field {
	return func(p *Packet) error {
		return p.append(txPower, []byte{byte(dbm)})
	}
}

// ManufacturerData is manufacturer specific data.
func ManufacturerData(id uint16, b []byte) Field {
	return func(p *Packet) error {
		d := append([]byte{uint8(id), uint8(id >> 8)}, b...)
		return p.append(manufacturerData, d)
	}
}

// AllUUID is one of the complete service UUID list.
func AllUUID(u blepm.UUID) Field {
	return func(p *Packet) error {
		switch u.Len() {
		case 2:
			return p.append(allUUID16, u)
		case 4:
			return p.append(allUUID32, u)
		case 16:
			return p.append(allUUID128, u)
		}
		return ErrInvalid
	}
}

// SomeUUID is one of the incomplete service UUID list.
func SomeUUID(u blepm.UUID) Field {
	return func(p *Packet) error {
		switch u.Len() {
		case 2:
			return p.append(someUUID16, u)
		case 4:
			return p.append(someUUID32, u)
		case 16:
			return p.append(someUUID128, u)
		}
		return ErrInvalid
	}
}

// ServiceData16 is service data for a 16bit service uuid.
func ServiceData16(id uint16, b []byte) Field {
	return func(p *Packet) error {
		u := blepm.UUID16(id)
		return p.append(serviceData16, append(u, b...))
	}
}

// Flags returns the flags of the packet.
func (p *Packet) Flags() (flags byte, present bool) {
	if b := p.r.first(keys.flags); len(b) > 0 {
		return b[0], true
	}
	return 0, false
}

// LocalName returns the complete name, or the short name if only that is present.
func (p *Packet) LocalName() string {
	if b := p.r.first(keys.completeName); b != nil {
		return string(b)
	}
	return string(p.r.first(keys.shortName))
}

// TxPower returns the TxPower, if it presents.
func (p *Packet) TxPower() (power int, present bool) {
	if b := p.r.first(keys.txPower); len(b) > 0 {
		return int(int8(b[0])), true
	}
	return 0, false
}

// UUIDs returns the advertised service UUIDs, complete and incomplete lists alike.
func (p *Packet) UUIDs() []blepm.UUID {
	var u []blepm.UUID
	for _, k := range []string{keys.uuid16, keys.uuid32, keys.uuid128} {
		for _, b := range p.r[k] {
			u = append(u, blepm.UUID(b))
		}
	}
	return u
}

// ServiceData is one service data field.
type ServiceData struct {
	UUID blepm.UUID
	Data []byte
}

// ServiceData returns the service data fields.
func (p *Packet) ServiceData() []ServiceData {
	var s []ServiceData
	for i, k := range []string{keys.svc16, keys.svc32, keys.svc128} {
		w := []int{2, 4, 16}[i]
		for _, b := range p.r[k] {
			sd := ServiceData{UUID: blepm.UUID(b[:w]), Data: make([]byte, len(b)-w)}
			copy(sd.Data, b[w:])
			s = append(s, sd)
		}
	}
	return s
}

// ManufacturerData returns the ManufacturerData field if it presents.
func (p *Packet) ManufacturerData() []byte {
	return p.r.first(keys.mfgdata)
}

// Discoverable reports whether the flags advertise a discoverable device.
func (p *Packet) Discoverable() bool {
	f, ok := p.Flags()
	return ok && f&(FlagGeneralDiscoverable|FlagLimitedDiscoverable) != 0
}
