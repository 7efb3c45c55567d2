package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"strings"
)

// EMLExtractor parses RFC 5322 messages via the standard library,
// flattening header fields and walking multipart bodies for the best
// available text part. Attachments that the registry can extract
// (including nested .eml/.zip) are appended after the body.
type EMLExtractor struct {
	registry *Registry
}

func (e *EMLExtractor) SupportedExtensions() []string { return []string{"eml"} }

func (e *EMLExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("extract: opening EML %s: %w", path, err)
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return "", nil, fmt.Errorf("extract: parsing EML %s: %w", path, err)
	}

	header := map[string]string{}
	for _, k := range []string{"From", "To", "Cc", "Subject", "Date"} {
		if v := msg.Header.Get(k); v != "" {
			header[k] = v
		}
	}

	body, attachments, err := walkMIME(ctx, e.registry, msg.Header.Get("Content-Type"), msg.Body)
	if err != nil {
		return "", header, fmt.Errorf("extract: walking EML body: %w", err)
	}

	var out strings.Builder
	for _, k := range []string{"From", "To", "Cc", "Subject", "Date"} {
		if v := header[k]; v != "" {
			out.WriteString(k + ": " + v + "\n")
		}
	}
	out.WriteString("\n")
	out.WriteString(body)
	for _, a := range attachments {
		out.WriteString("\n\n[attachment: " + a.name + "]\n" + a.text)
	}

	return out.String(), header, nil
}

type emlAttachment struct {
	name string
	text string
}

// walkMIME returns the best plain-text body found and any attachments
// the registry knows how to extract, recursing into nested
// multipart/mixed and multipart/alternative parts.
func walkMIME(ctx context.Context, reg *Registry, contentType string, r io.Reader) (string, []emlAttachment, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// No usable Content-Type header: treat the whole body as plain text.
		data, _ := io.ReadAll(r)
		return string(data), nil, nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", nil, err
		}
		return string(data), nil, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		data, _ := io.ReadAll(r)
		return string(data), nil, nil
	}

	mr := multipart.NewReader(r, boundary)
	var textBody string
	var htmlBody string
	var attachments []emlAttachment

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		partCT := part.Header.Get("Content-Type")
		disposition := part.Header.Get("Content-Disposition")
		filename := partFilename(part, disposition)

		data, err := io.ReadAll(decodeTransferEncoding(part, part.Header.Get("Content-Transfer-Encoding")))
		part.Close()
		if err != nil {
			continue
		}

		partMediaType, _, _ := mime.ParseMediaType(partCT)
		switch {
		case strings.HasPrefix(partMediaType, "multipart/"):
			nested := bytes.NewReader(data)
			body, nestedAtt, _ := walkMIME(ctx, reg, partCT, nested)
			if textBody == "" {
				textBody = body
			}
			attachments = append(attachments, nestedAtt...)

		case filename != "" && reg != nil:
			text := extractAttachment(ctx, reg, filename, data)
			attachments = append(attachments, emlAttachment{name: filename, text: text})

		case partMediaType == "text/plain":
			textBody = string(data)

		case partMediaType == "text/html":
			htmlBody = string(data)
		}
	}

	if textBody != "" {
		return textBody, attachments, nil
	}
	return htmlBody, attachments, nil
}

func partFilename(part *multipart.Part, disposition string) string {
	if name := part.FileName(); name != "" {
		return name
	}
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func decodeTransferEncoding(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// extractAttachment writes the attachment to a temp file and reuses the
// registry so nested office documents, PDFs, and archives are mined for
// text just like top-level files.
func extractAttachment(ctx context.Context, reg *Registry, filename string, data []byte) string {
	tmp, err := os.CreateTemp("", "corpusrag-attach-*-"+sanitizeFilename(filename))
	if err != nil {
		return ""
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		return ""
	}
	tmp.Close()

	ext := CanonicalExt(extOf(filename))
	text, _, err := reg.Extract(ctx, ext, tmp.Name())
	if err != nil {
		return ""
	}
	return text
}

func extOf(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return ""
	}
	return filename[i+1:]
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
