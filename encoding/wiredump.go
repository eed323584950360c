package encoding

import (
	"encoding/hex"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// DebugWire renders an arbitrary protobuf wire payload field-by-field
// without needing the .proto type, for diagnostic logging when a codec
// error occurs. Malformed input falls back to hex. Grounded on the same
// technique keploy's grpc integration uses to inspect payloads it has no
// descriptor for.
func DebugWire(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			sb.WriteString(hex.EncodeToString(b))
			break
		}
		b = b[n:]
		fmt.Fprintf(&sb, "%d:", num)
		switch wt {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				sb.WriteString(hex.EncodeToString(b))
				return sb.String()
			}
			b = b[m:]
			fmt.Fprintf(&sb, "%d ", v)
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				sb.WriteString(hex.EncodeToString(b))
				return sb.String()
			}
			b = b[m:]
			fmt.Fprintf(&sb, "%d ", v)
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				sb.WriteString(hex.EncodeToString(b))
				return sb.String()
			}
			b = b[m:]
			fmt.Fprintf(&sb, "%d ", v)
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				sb.WriteString(hex.EncodeToString(b))
				return sb.String()
			}
			b = b[m:]
			fmt.Fprintf(&sb, "%dB ", len(v))
		default:
			sb.WriteString(hex.EncodeToString(b))
			return sb.String()
		}
	}
	return sb.String()
}
