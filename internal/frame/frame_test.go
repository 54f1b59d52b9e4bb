package frame

import (
	"testing"

	"github.com/brocaar/lorawan"
	. "github.com/smartystreets/goconvey/convey"
)

func TestPHYPayload(t *testing.T) {
	Convey("Given a set of frames", t, func() {
		tests := []struct {
			Name  string
			Bytes []byte
			Error error
		}{
			{"too short", make([]byte, MinPHYPayloadSize-1), ErrLengthOutOfBounds},
			{"too long", make([]byte, MaxPHYPayloadSize+1), ErrLengthOutOfBounds},
			{"unknown mtype", append([]byte{0xe0}, make([]byte, 11)...), ErrUnsupportedMType},
			{"major version set", append([]byte{0x41}, make([]byte, 11)...), ErrUnsupportedMType},
			{"minimal data frame", append([]byte{0x40}, make([]byte, 11)...), nil},
			{"maximal data frame", append([]byte{0xa0}, make([]byte, 63)...), nil},
		}

		for _, test := range tests {
			Convey("Testing: "+test.Name, func() {
				var phy PHYPayload
				err := phy.UnmarshalBinary(test.Bytes)
				So(err, ShouldEqual, test.Error)

				if err == nil {
					b, err := phy.MarshalBinary()
					So(err, ShouldBeNil)
					So(b, ShouldResemble, test.Bytes)
				}
			})
		}
	})

	Convey("Given a PHYPayload", t, func() {
		phy := PHYPayload{
			MHDR:       ConfirmedDataUp,
			MACPayload: []byte{0x04, 0x03, 0x02, 0x01, 0x00, 0x05, 0x00},
			MIC:        [4]byte{1, 2, 3, 4},
		}

		Convey("Then MarshalBinary concatenates the fields", func() {
			b, err := phy.MarshalBinary()
			So(err, ShouldBeNil)
			So(b, ShouldResemble, []byte{0x80, 0x04, 0x03, 0x02, 0x01, 0x00, 0x05, 0x00, 1, 2, 3, 4})
		})

		Convey("When the MACPayload does not fit", func() {
			phy.MACPayload = make([]byte, MaxMACPayloadSize+1)

			Convey("Then MarshalBinary returns an error", func() {
				_, err := phy.MarshalBinary()
				So(err, ShouldEqual, ErrFrameTooLarge)
			})
		})
	})
}

func TestMTypes(t *testing.T) {
	Convey("Given the supported message types", t, func() {
		So(JoinRequest.IsData(), ShouldBeFalse)
		So(JoinAccept.IsData(), ShouldBeFalse)
		So(UnconfirmedDataUp.IsData(), ShouldBeTrue)
		So(ConfirmedDataDown.IsData(), ShouldBeTrue)

		So(UnconfirmedDataUp.IsUplink(), ShouldBeTrue)
		So(ConfirmedDataUp.IsUplink(), ShouldBeTrue)
		So(UnconfirmedDataDown.IsUplink(), ShouldBeFalse)
		So(ConfirmedDataDown.IsUplink(), ShouldBeFalse)

		So(ConfirmedDataUp.String(), ShouldEqual, "ConfirmedDataUp")
		So(MType(0xe0).String(), ShouldEqual, "MType(0xe0)")
	})
}

func TestMACPayload(t *testing.T) {
	fPort0 := uint8(0)
	fPort10 := uint8(10)

	Convey("Given a set of MACPayloads", t, func() {
		tests := []struct {
			Name       string
			MACPayload MACPayload
			Bytes      []byte
		}{
			{
				Name: "no options and no payload",
				MACPayload: MACPayload{
					DevAddr: lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
					FCnt:    0x0102,
				},
				Bytes: []byte{0x04, 0x03, 0x02, 0x01, 0x00, 0x02, 0x01},
			},
			{
				Name: "options only",
				MACPayload: MACPayload{
					DevAddr: lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
					FCtrl: FCtrl{
						ADR:      true,
						ACK:      true,
						FPending: true,
					},
					FCnt:  5,
					FOpts: []byte{0x02, 0x14, 0x01},
				},
				Bytes: []byte{0x04, 0x03, 0x02, 0x01, 0xb3, 0x05, 0x00, 0x02, 0x14, 0x01},
			},
			{
				Name: "payload with port 0",
				MACPayload: MACPayload{
					DevAddr:    lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
					FCtrl:      FCtrl{ADRACKReq: true},
					FCnt:       7,
					FPort:      &fPort0,
					FRMPayload: []byte{0x02},
				},
				Bytes: []byte{0x04, 0x03, 0x02, 0x01, 0x40, 0x07, 0x00, 0x00, 0x02},
			},
			{
				Name: "maximum payload",
				MACPayload: MACPayload{
					DevAddr:    lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
					FCnt:       0xffff,
					FPort:      &fPort10,
					FRMPayload: make([]byte, MaxMACPayloadSize-fhdrSize-1),
				},
				Bytes: append([]byte{0x04, 0x03, 0x02, 0x01, 0x00, 0xff, 0xff, 0x0a}, make([]byte, MaxMACPayloadSize-fhdrSize-1)...),
			},
		}

		for _, test := range tests {
			Convey("Testing: "+test.Name, func() {
				b, err := test.MACPayload.MarshalBinary()
				So(err, ShouldBeNil)
				So(b, ShouldResemble, test.Bytes)

				var pl MACPayload
				So(pl.UnmarshalBinary(b), ShouldBeNil)
				So(pl, ShouldResemble, test.MACPayload)
			})
		}
	})

	Convey("Given a MACPayload without port but with payload", t, func() {
		pl := MACPayload{FRMPayload: []byte{1}}

		Convey("Then the port byte is encoded as 0", func() {
			b, err := pl.MarshalBinary()
			So(err, ShouldBeNil)
			So(b, ShouldResemble, []byte{0, 0, 0, 0, 0, 0, 0, 0, 1})
		})
	})

	Convey("Given a MACPayload with too many options", t, func() {
		pl := MACPayload{FOpts: make([]byte, 16)}

		Convey("Then MarshalBinary returns an error", func() {
			_, err := pl.MarshalBinary()
			So(err, ShouldEqual, ErrFOptsLengthTooLarge)
		})
	})

	Convey("Given a MACPayload that does not fit in a frame", t, func() {
		pl := MACPayload{FPort: &fPort10, FRMPayload: make([]byte, MaxMACPayloadSize-fhdrSize)}

		Convey("Then MarshalBinary returns an error", func() {
			_, err := pl.MarshalBinary()
			So(err, ShouldEqual, ErrFrameTooLarge)
		})
	})

	Convey("Given a truncated MACPayload", t, func() {
		var pl MACPayload

		Convey("Then a buffer shorter than the header is rejected", func() {
			So(pl.UnmarshalBinary([]byte{1, 2, 3, 4, 0}), ShouldEqual, ErrFOptsLengthTooLarge)
		})

		Convey("Then a FOpts length beyond the buffer is rejected", func() {
			So(pl.UnmarshalBinary([]byte{1, 2, 3, 4, 0x03, 0, 0, 0x02, 0x01}), ShouldEqual, ErrFOptsLengthTooLarge)
		})
	})

	Convey("Given a decoded MACPayload", t, func() {
		var pl MACPayload
		So(pl.UnmarshalBinary([]byte{0x04, 0x03, 0x02, 0x01, 0x20, 0x05, 0x00}), ShouldBeNil)
		before := pl

		Convey("When decoding a FOpts length beyond the buffer into it", func() {
			err := pl.UnmarshalBinary([]byte{0x08, 0x07, 0x06, 0x05, 0x83, 0x09, 0x00, 0x02})

			Convey("Then the error is returned and the MACPayload is unchanged", func() {
				So(err, ShouldEqual, ErrFOptsLengthTooLarge)
				So(pl, ShouldResemble, before)
			})
		})
	})
}

func TestJoinPayloads(t *testing.T) {
	Convey("Given a JoinRequestPayload", t, func() {
		jr := JoinRequestPayload{
			JoinEUI:  lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			DevEUI:   lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			DevNonce: DevNonce{0x01, 0x02},
		}
		b := []byte{8, 7, 6, 5, 4, 3, 2, 1, 1, 2, 3, 4, 5, 6, 7, 8, 0x02, 0x01}

		Convey("Then MarshalBinary reverses every field", func() {
			out, err := jr.MarshalBinary()
			So(err, ShouldBeNil)
			So(out, ShouldResemble, b)
		})

		Convey("Then UnmarshalBinary restores it", func() {
			var out JoinRequestPayload
			So(out.UnmarshalBinary(b), ShouldBeNil)
			So(out, ShouldResemble, jr)
		})

		Convey("Then other lengths are rejected", func() {
			var out JoinRequestPayload
			So(out.UnmarshalBinary(b[:17]), ShouldEqual, ErrInvalidJoinRequestLength)
			So(out.UnmarshalBinary(append(b, 0)), ShouldEqual, ErrInvalidJoinRequestLength)
		})
	})

	Convey("Given a JoinAcceptPayload", t, func() {
		ja := JoinAcceptPayload{
			JoinNonce:  JoinNonce{0x01, 0x02, 0x03},
			NetID:      lorawan.NetID{0x04, 0x05, 0x06},
			DevAddr:    lorawan.DevAddr{0x07, 0x08, 0x09, 0x0a},
			DLSettings: 0x00,
			RXDelay:    0x01,
		}

		Convey("Then MarshalBinary returns the 28 byte layout", func() {
			b, err := ja.MarshalBinary()
			So(err, ShouldBeNil)
			So(b, ShouldResemble, append([]byte{0x03, 0x02, 0x01, 0x06, 0x05, 0x04, 0x0a, 0x09, 0x08, 0x07, 0x00, 0x01}, make([]byte, 16)...))
		})
	})
}
