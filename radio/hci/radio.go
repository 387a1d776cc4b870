package hci

import (
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

var _ blepm.Radio = (*HCI)(nil)

func advHandle(set int) (uint8, error) {
	if set < 0 || set > maxAdvHandle {
		return 0, errors.Wrapf(blepm.ErrInvalidParam, "advertising handle %d", set)
	}
	return uint8(set), nil
}

// CreateAdvertisingSet reserves a handle. The controller creates the set when
// its parameters are first written.
func (h *HCI) CreateAdvertisingSet(set int) error {
	if _, err := advHandle(set); err != nil {
		return err
	}
	h.muSets.Lock()
	defer h.muSets.Unlock()
	if _, ok := h.sets[set]; ok {
		return errors.Wrapf(blepm.ErrInvalidState, "advertising set %d exists", set)
	}
	h.sets[set] = blepm.AdvProperties{}
	return nil
}

func (h *HCI) RemoveAdvertisingSet(set int) error {
	handle, err := advHandle(set)
	if err != nil {
		return err
	}
	err = h.Send(&LERemoveAdvertisingSet{AdvertisingHandle: handle}, nil)
	if err != nil && errors.Cause(err) != ErrUnknownAdvIdentifier {
		return err
	}
	h.muSets.Lock()
	delete(h.sets, set)
	h.muSets.Unlock()
	return nil
}

func eventProperties(p blepm.AdvProperties) uint16 {
	var v uint16
	if p.Connectable {
		v |= advPropConnectable
	}
	if p.Scannable {
		v |= advPropScannable
	}
	if p.Legacy {
		v |= advPropLegacy
	}
	return v
}

func (h *HCI) SetAdvertisingParams(set int, p blepm.AdvParams) error {
	handle, err := advHandle(set)
	if err != nil {
		return err
	}
	err = h.Send(&LESetExtendedAdvertisingParameters{
		AdvertisingHandle:          handle,
		AdvertisingEventProperties: eventProperties(p.Properties),
		PrimaryIntervalMin:         uint32(p.IntervalMin),
		PrimaryIntervalMax:         uint32(p.IntervalMax),
		PrimaryChannelMap:          0x07,
		TxPower:                    0x7f, // no preference
		PrimaryPHY:                 0x01,
		SecondaryPHY:               0x01,
		SID:                        handle & 0x0f,
		ScanRequestNotification:    p.EventMask & 0x01,
	}, nil)
	if err != nil {
		return err
	}
	h.muSets.Lock()
	h.sets[set] = p.Properties
	h.muSets.Unlock()
	return nil
}

func (h *HCI) SetAdvertisingData(set int, adv, scanRsp []byte) error {
	handle, err := advHandle(set)
	if err != nil {
		return err
	}
	if len(adv) > maxAdvDataLength || len(scanRsp) > maxAdvDataLength {
		return errors.Wrapf(blepm.ErrInvalidParam, "advertising data too long")
	}

	err = h.Send(&LESetExtendedAdvertisingData{
		AdvertisingHandle:  handle,
		Operation:          dataOpComplete,
		FragmentPreference: fragmentNoPreference,
		Data:               adv,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "advertising data")
	}

	h.muSets.Lock()
	props := h.sets[set]
	h.muSets.Unlock()
	// non-scannable sets reject scan response data
	if !props.Scannable {
		return nil
	}
	err = h.Send(&LESetExtendedScanResponseData{
		AdvertisingHandle:  handle,
		Operation:          dataOpComplete,
		FragmentPreference: fragmentNoPreference,
		Data:               scanRsp,
	}, nil)
	return errors.Wrap(err, "scan response data")
}

func (h *HCI) EnableAdvertising(set int) error {
	return h.setAdvertisingEnable(set, 1)
}

func (h *HCI) DisableAdvertising(set int) error {
	return h.setAdvertisingEnable(set, 0)
}

func (h *HCI) setAdvertisingEnable(set int, enable uint8) error {
	handle, err := advHandle(set)
	if err != nil {
		return err
	}
	return h.Send(&LESetExtendedAdvertisingEnable{
		Enable:            enable,
		AdvertisingHandle: handle,
	}, nil)
}

// Disconnect waits only for the command status; completion arrives as a
// DisconnectionComplete event.
func (h *HCI) Disconnect(c blepm.ConnHandle, reason uint8) error {
	return h.Send(&Disconnect{ConnectionHandle: uint16(c), Reason: reason}, nil)
}

func connFields(c blepm.ConnHandle, p blepm.ConnParams) ConnParamFields {
	return ConnParamFields{
		ConnectionHandle:   uint16(c),
		IntervalMin:        p.IntervalMin,
		IntervalMax:        p.IntervalMax,
		Latency:            p.Latency,
		SupervisionTimeout: p.SupervisionTimeout,
	}
}

func (h *HCI) UpdateConnParams(c blepm.ConnHandle, p blepm.ConnParams) error {
	return h.Send(&LEConnectionUpdate{ConnParamFields: connFields(c, p)}, nil)
}

func (h *HCI) RespondConnParamRequest(c blepm.ConnHandle, p blepm.ConnParams, accept bool) error {
	if !accept {
		return h.Send(&LERemoteConnectionParameterRequestNegativeReply{
			ConnectionHandle: uint16(c),
			Reason:           blepm.StatusUnacceptableParams,
		}, nil)
	}
	return h.Send(&LERemoteConnectionParameterRequestReply{ConnParamFields: connFields(c, p)}, nil)
}

func (h *HCI) Indicate(c blepm.ConnHandle, attr uint16, data []byte) error {
	return errors.Wrap(blepm.ErrUnsupported, "hci radio: indications are sent by the GATT server")
}

func (h *HCI) RespondRead(c blepm.ConnHandle, attr uint16, data []byte) error {
	return errors.Wrap(blepm.ErrUnsupported, "hci radio: reads are answered by the GATT server")
}

// ResolvablePrivateAddress reads the local RPA, falling back to the public
// address when the controller isn't using one.
func (h *HCI) ResolvablePrivateAddress() (blepm.Addr, error) {
	rp := LEReadLocalResolvableAddressRP{}
	err := h.Send(&LEReadLocalResolvableAddress{}, &rp)
	if err == nil && rp.LocalResolvableAddress != [6]byte{} {
		return addrFromLE(rp.LocalResolvableAddress[:]), nil
	}
	if err != nil {
		h.log.Debugf("read local resolvable address: %v", err)
	}

	bd := ReadBDADDRRP{}
	if err := h.Send(&ReadBDADDR{}, &bd); err != nil {
		return nil, errors.Wrap(err, "read bd_addr")
	}
	return addrFromLE(bd.BDADDR[:]), nil
}
