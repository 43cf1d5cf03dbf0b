package bridge

import (
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
)

// Encoding marks a column whose values were rewritten because JSON has no
// native representation for them.
type Encoding string

const (
	EncodingNone   Encoding = ""
	EncodingText   Encoding = "text"
	EncodingBase64 Encoding = "base64"
)

// convertValue maps a driver value to integer, float, text, boolean or null.
// Values with a canonical text form (timestamps, UUIDs, network addresses)
// become plain strings. Values without one, including numerics, are rendered
// to text or base64 and reported through the returned Encoding.
func convertValue(v any) (any, Encoding) {
	switch val := v.(type) {
	case nil:
		return nil, EncodingNone
	case bool, string:
		return val, EncodingNone
	case driver.Text:
		return string(val), EncodingText
	case int:
		return int64(val), EncodingNone
	case int8:
		return int64(val), EncodingNone
	case int16:
		return int64(val), EncodingNone
	case int32:
		return int64(val), EncodingNone
	case int64:
		return val, EncodingNone
	case uint8:
		return int64(val), EncodingNone
	case uint16:
		return int64(val), EncodingNone
	case uint32:
		return int64(val), EncodingNone
	case uint64:
		if val > math.MaxInt64 {
			return fmt.Sprintf("%d", val), EncodingText
		}
		return int64(val), EncodingNone
	case float32:
		return convertFloat(float64(val))
	case float64:
		return convertFloat(val)
	case time.Time:
		return val.Format(time.RFC3339Nano), EncodingNone
	case []byte:
		return base64.StdEncoding.EncodeToString(val), EncodingBase64
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16]), EncodingNone
	case netip.Prefix:
		return val.String(), EncodingNone
	case netip.Addr:
		return val.String(), EncodingNone
	case net.HardwareAddr:
		return val.String(), EncodingNone
	case pgtype.Numeric:
		return convertNumeric(val)
	case pgtype.Time:
		if !val.Valid {
			return nil, EncodingNone
		}
		return formatTimeOfDay(val.Microseconds), EncodingNone
	case pgtype.Interval:
		if !val.Valid {
			return nil, EncodingNone
		}
		return formatInterval(val), EncodingText
	case pgtype.Range[any]:
		if !val.Valid {
			return nil, EncodingNone
		}
		return formatRange(val), EncodingText
	case pgtype.Bits:
		if !val.Valid {
			return nil, EncodingNone
		}
		return formatBits(val), EncodingText
	case pgtype.Point, pgtype.Line, pgtype.Lseg, pgtype.Box, pgtype.Path, pgtype.Polygon, pgtype.Circle:
		return formatGeometry(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		enc := EncodingNone
		for k, item := range val {
			cv, e := convertValue(item)
			out[k] = cv
			enc = strongest(enc, e)
		}
		return out, enc
	case []any:
		out := make([]any, len(val))
		enc := EncodingNone
		for i, item := range val {
			cv, e := convertValue(item)
			out[i] = cv
			enc = strongest(enc, e)
		}
		return out, enc
	case fmt.Stringer:
		return val.String(), EncodingText
	}
	return fmt.Sprintf("%v", v), EncodingText
}

func strongest(a, b Encoding) Encoding {
	if a == EncodingBase64 || b == EncodingBase64 {
		return EncodingBase64
	}
	if a == EncodingText || b == EncodingText {
		return EncodingText
	}
	return EncodingNone
}

func convertFloat(f float64) (any, Encoding) {
	switch {
	case math.IsNaN(f):
		return "NaN", EncodingText
	case math.IsInf(f, 1):
		return "Infinity", EncodingText
	case math.IsInf(f, -1):
		return "-Infinity", EncodingText
	}
	return f, EncodingNone
}

func convertNumeric(n pgtype.Numeric) (any, Encoding) {
	if !n.Valid {
		return nil, EncodingNone
	}
	switch {
	case n.NaN:
		return "NaN", EncodingText
	case n.InfinityModifier == pgtype.Infinity:
		return "Infinity", EncodingText
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return "-Infinity", EncodingText
	}
	b, err := n.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", n), EncodingText
	}
	return string(b), EncodingText
}

func formatTimeOfDay(us int64) string {
	hours := us / 3_600_000_000
	us -= hours * 3_600_000_000
	minutes := us / 60_000_000
	us -= minutes * 60_000_000
	seconds := us / 1_000_000
	us -= seconds * 1_000_000
	if us > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%06d", hours, minutes, seconds, us)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

func formatInterval(iv pgtype.Interval) string {
	var parts []string
	if years := iv.Months / 12; years != 0 {
		parts = append(parts, fmt.Sprintf("%d year(s)", years))
	}
	if months := iv.Months % 12; months != 0 {
		parts = append(parts, fmt.Sprintf("%d mon(s)", months))
	}
	if iv.Days != 0 {
		parts = append(parts, fmt.Sprintf("%d day(s)", iv.Days))
	}
	if iv.Microseconds != 0 {
		parts = append(parts, (time.Duration(iv.Microseconds) * time.Microsecond).String())
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, " ")
}

func formatRange(r pgtype.Range[any]) string {
	if r.LowerType == pgtype.Empty {
		return "empty"
	}
	var sb strings.Builder
	if r.LowerType == pgtype.Inclusive {
		sb.WriteByte('[')
	} else {
		sb.WriteByte('(')
	}
	if r.LowerType != pgtype.Unbounded {
		v, _ := convertValue(r.Lower)
		fmt.Fprintf(&sb, "%v", v)
	}
	sb.WriteByte(',')
	if r.UpperType != pgtype.Unbounded {
		v, _ := convertValue(r.Upper)
		fmt.Fprintf(&sb, "%v", v)
	}
	if r.UpperType == pgtype.Inclusive {
		sb.WriteByte(']')
	} else {
		sb.WriteByte(')')
	}
	return sb.String()
}

func formatBits(b pgtype.Bits) string {
	out := make([]byte, b.Len)
	for i := int32(0); i < b.Len; i++ {
		if b.Bytes[i/8]&(1<<uint(7-i%8)) != 0 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}

func formatPoints(points []pgtype.Vec2) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("(%g,%g)", p.X, p.Y)
	}
	return strings.Join(parts, ",")
}

func formatGeometry(v any) (any, Encoding) {
	switch g := v.(type) {
	case pgtype.Point:
		if !g.Valid {
			return nil, EncodingNone
		}
		return fmt.Sprintf("(%g,%g)", g.P.X, g.P.Y), EncodingText
	case pgtype.Line:
		if !g.Valid {
			return nil, EncodingNone
		}
		return fmt.Sprintf("{%g,%g,%g}", g.A, g.B, g.C), EncodingText
	case pgtype.Lseg:
		if !g.Valid {
			return nil, EncodingNone
		}
		return "[" + formatPoints(g.P[:]) + "]", EncodingText
	case pgtype.Box:
		if !g.Valid {
			return nil, EncodingNone
		}
		return formatPoints(g.P[:]), EncodingText
	case pgtype.Path:
		if !g.Valid {
			return nil, EncodingNone
		}
		if g.Closed {
			return "(" + formatPoints(g.P) + ")", EncodingText
		}
		return "[" + formatPoints(g.P) + "]", EncodingText
	case pgtype.Polygon:
		if !g.Valid {
			return nil, EncodingNone
		}
		return "(" + formatPoints(g.P) + ")", EncodingText
	case pgtype.Circle:
		if !g.Valid {
			return nil, EncodingNone
		}
		return fmt.Sprintf("<(%g,%g),%g>", g.P.X, g.P.Y, g.R), EncodingText
	}
	return fmt.Sprintf("%v", v), EncodingText
}
