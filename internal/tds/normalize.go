package tds

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

// columnTypeOf maps the driver's column descriptor type to the normalized
// column type.
func columnTypeOf(dbType string) types.QueryColumnType {
	switch dbType {
	case "UNIQUEIDENTIFIER":
		return types.ColTypeGuid
	case "DATETIME", "DATETIME2", "SMALLDATETIME", "DATE", "DATETIMEOFFSET":
		return types.ColTypeDateTime
	case "MONEY", "SMALLMONEY":
		return types.ColTypeMoney
	case "DECIMAL", "NUMERIC":
		return types.ColTypeDecimal
	case "FLOAT", "REAL":
		return types.ColTypeFloat
	case "BIGINT":
		return types.ColTypeBigInt
	case "INT", "SMALLINT", "TINYINT":
		return types.ColTypeInteger
	case "BIT":
		return types.ColTypeBoolean
	case "NVARCHAR", "VARCHAR", "NCHAR", "CHAR", "NTEXT", "TEXT", "XML":
		return types.ColTypeString
	case "BINARY", "VARBINARY", "IMAGE":
		return types.ColTypeBinary
	default:
		return types.ColTypeUnknown
	}
}

// normalizeCell converts one scanned cell into a Value. NULLs are Null,
// datetimes normalize to UTC without offset, money carries scale 4, and
// unknown vendor types degrade to their raw string rendering.
func normalizeCell(v any, dbType string) (types.Value, error) {
	if v == nil {
		return types.Null, nil
	}
	switch dbType {
	case "UNIQUEIDENTIFIER":
		return normalizeGuid(v)
	case "DATETIME", "DATETIME2", "SMALLDATETIME", "DATE", "DATETIMEOFFSET":
		t, ok := v.(time.Time)
		if !ok {
			return types.Value{}, dverr.Newf(dverr.CodeInvalidValue, "%s cell is %T", dbType, v)
		}
		return types.NewSimple(t.UTC()), nil
	case "MONEY", "SMALLMONEY":
		d, err := decimalOf(v)
		if err != nil {
			return types.Value{}, dverr.Wrap(dverr.CodeInvalidValue, "money cell", err)
		}
		return types.NewMoney(d.StringFixed(4), ""), nil
	case "DECIMAL", "NUMERIC":
		d, err := decimalOf(v)
		if err != nil {
			return types.Value{}, dverr.Wrap(dverr.CodeInvalidValue, "decimal cell", err)
		}
		return types.NewSimple(d.String()), nil
	case "FLOAT", "REAL":
		switch f := v.(type) {
		case float64:
			return types.NewSimple(f), nil
		case float32:
			return types.NewSimple(float64(f)), nil
		}
	case "BIGINT", "INT", "SMALLINT", "TINYINT":
		if i, ok := v.(int64); ok {
			return types.NewSimple(i), nil
		}
	case "BIT":
		if b, ok := v.(bool); ok {
			return types.NewSimple(b), nil
		}
	case "NVARCHAR", "VARCHAR", "NCHAR", "CHAR", "NTEXT", "TEXT", "XML":
		switch s := v.(type) {
		case string:
			return types.NewSimple(s), nil
		case []byte:
			return types.NewSimple(string(s)), nil
		}
	case "BINARY", "VARBINARY", "IMAGE":
		if b, ok := v.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			return types.NewSimple(cp), nil
		}
	}
	// Unknown vendor type, or a known type with an unexpected payload shape:
	// degrade to the raw string rendering.
	if b, ok := v.([]byte); ok {
		return types.NewSimple(string(b)), nil
	}
	return types.NewSimple(fmt.Sprint(v)), nil
}

func decimalOf(v any) (decimal.Decimal, error) {
	switch d := v.(type) {
	case []byte:
		return decimal.NewFromString(string(d))
	case string:
		return decimal.NewFromString(d)
	case float64:
		return decimal.NewFromFloat(d), nil
	case int64:
		return decimal.NewFromInt(d), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected numeric payload %T", v)
	}
}

// normalizeGuid handles both string and the wire's mixed-endian 16-byte
// forms of uniqueidentifier.
func normalizeGuid(v any) (types.Value, error) {
	switch g := v.(type) {
	case string:
		id, err := uuid.Parse(g)
		if err != nil {
			return types.Value{}, dverr.Wrap(dverr.CodeInvalidValue, "guid cell", err)
		}
		return types.NewSimple(id), nil
	case []byte:
		if len(g) != 16 {
			return types.Value{}, dverr.Newf(dverr.CodeInvalidValue, "guid cell has %d bytes", len(g))
		}
		// TDS sends the first three groups little-endian.
		b := make([]byte, 16)
		copy(b, g)
		b[0], b[1], b[2], b[3] = g[3], g[2], g[1], g[0]
		b[4], b[5] = g[5], g[4]
		b[6], b[7] = g[7], g[6]
		id, err := uuid.FromBytes(b)
		if err != nil {
			return types.Value{}, dverr.Wrap(dverr.CodeInvalidValue, "guid cell", err)
		}
		return types.NewSimple(id), nil
	default:
		return types.Value{}, dverr.Newf(dverr.CodeInvalidValue, "guid cell is %T", v)
	}
}
