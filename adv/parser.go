package adv

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

var keys = struct {
	flags        string
	uuid16       string
	uuid32       string
	uuid128      string
	sol16        string
	sol32        string
	sol128       string
	svc16        string
	svc32        string
	svc128       string
	shortName    string
	completeName string
	txPower      string
	mfgdata      string
}{
	flags:        "flags",
	uuid16:       "uuid16",
	uuid32:       "uuid32",
	uuid128:      "uuid128",
	sol16:        "sol16",
	sol32:        "sol32",
	sol128:       "sol128",
	svc16:        "svc16",
	svc32:        "svc32",
	svc128:       "svc128",
	shortName:    "shortname",
	completeName: "name",
	txPower:      "txpwr",
	mfgdata:      "mfg",
}

// adRecord describes how one AD type is decoded. A non-zero elemSize splits
// the data into a list of fixed width elements.
type adRecord struct {
	elemSize int
	minSize  int
	key      string
}

var adTypes = map[byte]adRecord{
	flags:            {0, 1, keys.flags},
	someUUID16:       {2, 2, keys.uuid16},
	allUUID16:        {2, 2, keys.uuid16},
	someUUID32:       {4, 4, keys.uuid32},
	allUUID32:        {4, 4, keys.uuid32},
	someUUID128:      {16, 16, keys.uuid128},
	allUUID128:       {16, 16, keys.uuid128},
	shortName:        {0, 1, keys.shortName},
	completeName:     {0, 1, keys.completeName},
	txPower:          {0, 1, keys.txPower},
	sol16:            {2, 2, keys.sol16},
	sol32:            {4, 4, keys.sol32},
	sol128:           {16, 16, keys.sol128},
	serviceData16:    {0, 2, keys.svc16},
	serviceData32:    {0, 4, keys.svc32},
	serviceData128:   {0, 16, keys.svc128},
	manufacturerData: {0, 1, keys.mfgdata},
}

// records holds decoded field data by key, in payload order.
type records map[string][][]byte

func (r *records) add(typ byte, b []byte) {
	dec, ok := adTypes[typ]
	if !ok {
		return
	}
	if *r == nil {
		*r = make(records)
	}
	if dec.elemSize == 0 {
		(*r)[dec.key] = append((*r)[dec.key], b)
		return
	}
	for j := 0; j+dec.elemSize <= len(b); j += dec.elemSize {
		(*r)[dec.key] = append((*r)[dec.key], b[j:j+dec.elemSize])
	}
}

func (r *records) merge(o records) {
	if *r == nil {
		*r = make(records)
	}
	for k, v := range o {
		(*r)[k] = append((*r)[k], v...)
	}
}

func (r records) first(k string) []byte {
	if v := r[k]; len(v) > 0 {
		return v[0]
	}
	return nil
}

func checkArray(size int, b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("nil/empty bytes")
	}
	if len(b)%size != 0 {
		return fmt.Errorf("incorrect size %d for %d byte elements", len(b), size)
	}
	return nil
}

func decode(pdu []byte) (records, error) {
	if pdu == nil {
		return nil, fmt.Errorf("nil pdu")
	}

	r := make(records)
	for i := 0; i+1 < len(pdu); {
		// length @ offset 0, type @ offset 1, data @ 2 .. length
		length := int(pdu[i])
		if length == 0 {
			// zero length marks the end of the significant part
			break
		}
		if i+length >= len(pdu) {
			return nil, fmt.Errorf("buffer overflow: want %v, have %v", i+length+1, len(pdu))
		}
		typ := pdu[i+1]
		data := pdu[i+2 : i+1+length]

		dec, ok := adTypes[typ]
		if !ok {
			blepm.GetLogger().Debugf("adv: ignored unsupported ad type 0x%02x", typ)
			i += length + 1
			continue
		}
		if dec.minSize > len(data) {
			return nil, fmt.Errorf("ad type 0x%02x: min length %v, have %v", typ, dec.minSize, len(data))
		}
		if dec.elemSize > 0 {
			if err := checkArray(dec.elemSize, data); err != nil {
				return nil, errors.Wrapf(err, "ad type 0x%02x", typ)
			}
		}
		r.add(typ, data)
		i += length + 1
	}
	return r, nil
}
