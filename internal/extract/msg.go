package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"
	"github.com/richardlehane/msoleps"
)

// MSGExtractor reads Outlook binary .msg files (OLE2 compound files) via
// mscfb, pulling the well-known MAPI property streams for subject,
// sender, recipients, and body, and falling back to the document
// summary-information property set (via msoleps) for a subject when the
// MAPI subject stream is absent.
type MSGExtractor struct{}

func (e *MSGExtractor) SupportedExtensions() []string { return []string{"msg"} }

// MAPI property tags used by Outlook .msg streams, named
// "__substg1.0_<tag hex><type hex>".
const (
	tagSubject      = "0037"
	tagBody         = "1000"
	tagSenderName   = "0C1A"
	tagSenderEmail  = "0C1F"
	tagDisplayTo    = "0E04"
	tagDisplayCC    = "0E03"
	tagMessageClass = "001A"
)

func (e *MSGExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("extract: opening MSG %s: %w", path, err)
	}
	defer f.Close()

	r, err := mscfb.New(f)
	if err != nil {
		return "", nil, fmt.Errorf("extract: reading MSG container %s: %w", path, err)
	}

	header := map[string]string{}
	var body string

	for entry, err := r.Next(); err == nil; entry, err = r.Next() {
		name := entry.Name
		if strings.HasPrefix(name, "\x05SummaryInformation") {
			if props, perr := msoleps.NewFrom(entry); perr == nil {
				for _, p := range props.Property {
					if strings.EqualFold(p.Name, "Subject") && header["Subject"] == "" {
						header["Subject"] = fmt.Sprint(p)
					}
				}
			}
			continue
		}

		tag, kind, ok := parseSubstgName(name)
		if !ok {
			continue
		}

		data, err := io.ReadAll(entry)
		if err != nil {
			continue
		}
		value := decodeMAPIString(data, kind)

		switch tag {
		case tagSubject:
			header["Subject"] = value
		case tagSenderName:
			header["From"] = value
		case tagSenderEmail:
			if header["From"] == "" {
				header["From"] = value
			} else {
				header["From"] = header["From"] + " <" + value + ">"
			}
		case tagDisplayTo:
			header["To"] = value
		case tagDisplayCC:
			header["Cc"] = value
		case tagMessageClass:
			header["MessageClass"] = value
		case tagBody:
			if len(value) > len(body) {
				body = value
			}
		}
	}

	var out strings.Builder
	for _, k := range []string{"From", "To", "Cc", "Subject"} {
		if v := header[k]; v != "" {
			out.WriteString(k + ": " + v + "\n")
		}
	}
	if out.Len() > 0 {
		out.WriteString("\n")
	}
	out.WriteString(body)

	return out.String(), header, nil
}

// parseSubstgName splits "__substg1.0_<4 hex tag><4 hex type>" into its
// tag and type components.
func parseSubstgName(name string) (tag, kind string, ok bool) {
	const prefix = "__substg1.0_"
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, prefix)
	if len(rest) < 8 {
		return "", "", false
	}
	return rest[:4], rest[4:8], true
}

// decodeMAPIString decodes a MAPI string property: type 001E is ASCII,
// 001F is UTF-16LE.
func decodeMAPIString(data []byte, kind string) string {
	switch strings.ToUpper(kind) {
	case "001F":
		if len(data)%2 != 0 {
			data = data[:len(data)-1]
		}
		u16 := make([]uint16, len(data)/2)
		for i := range u16 {
			u16[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
		}
		return strings.TrimRight(string(utf16.Decode(u16)), "\x00")
	default:
		return strings.TrimRight(string(data), "\x00")
	}
}
