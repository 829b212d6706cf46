package lob

import (
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultGeographySRID is the spatial reference system of geography values (WGS 84).
const DefaultGeographySRID = 4326

// Geometry is a streamable spatial value holding well-known binary (WKB) content.
type Geometry struct {
	Blob
	SRID int
}

// NewGeometry returns a geometry value backed by wkb.
func NewGeometry(wkb []byte, srid int) *Geometry {
	v := &Geometry{SRID: srid}
	v.init(memSource(wkb), measureBytes)
	return v
}

// EncodeMsgpack implements the msgpack.CustomEncoder interface.
func (g *Geometry) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := g.Streamable.EncodeMsgpack(enc); err != nil {
		return err
	}
	return enc.EncodeInt(int64(g.SRID))
}

// DecodeMsgpack implements the msgpack.CustomDecoder interface.
func (g *Geometry) DecodeMsgpack(dec *msgpack.Decoder) error {
	if err := g.Streamable.DecodeMsgpack(dec); err != nil {
		return err
	}
	srid, err := dec.DecodeInt()
	if err != nil {
		return err
	}
	g.SRID = srid
	return nil
}

// Geography is a geometry on the WGS 84 spheroid.
type Geography struct{ Geometry }

// NewGeography returns a geography value backed by wkb.
func NewGeography(wkb []byte) *Geography {
	v := &Geography{Geometry{SRID: DefaultGeographySRID}}
	v.init(memSource(wkb), measureBytes)
	return v
}
