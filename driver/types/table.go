package types

type tableEntry struct {
	src, tgt DataType
	explicit bool
	fn       func(v any) (any, error)
}

// numeric types ordered by range: conversions to a higher rank are implicit.
var numericRank = []DataType{DtByte, DtShort, DtInteger, DtLong, DtBigInteger, DtFloat, DtDouble, DtBigDecimal}

var numericTransforms = map[DataType]func(v any) (any, error){
	DtByte:       toByte,
	DtShort:      toShort,
	DtInteger:    toInteger,
	DtLong:       toLong,
	DtBigInteger: toBigInteger,
	DtFloat:      toFloat,
	DtDouble:     toDouble,
	DtBigDecimal: toBigDecimal,
}

func transformTable() []tableEntry {
	implicit := func(src, tgt DataType, fn func(v any) (any, error)) tableEntry {
		return tableEntry{src: src, tgt: tgt, fn: fn}
	}
	explicit := func(src, tgt DataType, fn func(v any) (any, error)) tableEntry {
		return tableEntry{src: src, tgt: tgt, explicit: true, fn: fn}
	}

	var table []tableEntry

	for i, src := range numericRank {
		for j, tgt := range numericRank {
			if i == j {
				continue
			}
			table = append(table, tableEntry{src: src, tgt: tgt, explicit: j < i, fn: numericTransforms[tgt]})
		}
		table = append(table,
			implicit(src, DtString, toString),
			explicit(DtString, src, numericTransforms[src]),
			implicit(DtBoolean, src, numericTransforms[src]),
			explicit(src, DtBoolean, toBoolean),
		)
	}

	table = append(table,
		// character
		implicit(DtBoolean, DtString, toString),
		explicit(DtString, DtBoolean, toBoolean),
		implicit(DtChar, DtString, toString),
		explicit(DtString, DtChar, toChar),
		// date and time
		implicit(DtDate, DtString, toString),
		implicit(DtTime, DtString, toString),
		implicit(DtTimestamp, DtString, toString),
		explicit(DtString, DtDate, toDate),
		explicit(DtString, DtTime, toTimeOfDay),
		explicit(DtString, DtTimestamp, toTimestamp),
		implicit(DtDate, DtTimestamp, toTimestamp),
		implicit(DtTime, DtTimestamp, toTimestamp),
		explicit(DtTimestamp, DtDate, toDate),
		explicit(DtTimestamp, DtTime, toTimeOfDay),
		// character lobs
		implicit(DtString, DtClob, stringToClob),
		explicit(DtClob, DtString, toString),
		explicit(DtString, DtXML, stringToXML),
		explicit(DtXML, DtString, toString),
		implicit(DtXML, DtClob, textToClob),
		explicit(DtClob, DtXML, clobToXML),
		explicit(DtString, DtJSON, stringToJSON),
		explicit(DtJSON, DtString, toString),
		implicit(DtJSON, DtClob, textToClob),
		explicit(DtClob, DtJSON, clobToJSON),
		// binary
		explicit(DtString, DtVarbinary, stringToVarbinary),
		implicit(DtVarbinary, DtBlob, varbinaryToBlob),
		explicit(DtBlob, DtVarbinary, blobToVarbinary),
		implicit(DtGeometry, DtBlob, geoToBlob),
		explicit(DtBlob, DtGeometry, blobToGeometry),
		implicit(DtGeography, DtBlob, geoToBlob),
		explicit(DtGeography, DtGeometry, geographyToGeometry),
	)
	return table
}
