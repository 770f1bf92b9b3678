package client

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var mimeTypes = map[string]string{
	"gif": "image/gif", "png": "image/png", "bmp": "image/bmp",
	"jpeg": "image/jpeg", "pjpg": "image/pjpg", "jpg": "image/jpeg",
	"tif": "image/tiff", "htm": "text/html", "css": "text/css",
	"html": "text/html", "txt": "text/plain", "gz": "application/x-gzip",
	"tgz": "application/x-gzip", "tar": "application/x-tar",
	"zip": "application/zip", "hqx": "application/mac-binhex40",
	"doc": "application/msword", "pdf": "application/pdf",
	"ps": "application/postcript", "rtf": "application/rtf",
	"dvi": "application/x-dvi", "latex": "application/x-latex",
	"swf": "application/x-shockwave-flash", "tex": "application/x-tex",
	"mid": "audio/midi", "au": "audio/basic", "mp3": "audio/mpeg",
	"ram": "audio/x-pn-realaudio", "ra": "audio/x-realaudio",
	"rm": "audio/x-pn-realaudio", "wav": "audio/x-wav", "wma": "audio/x-ms-media",
	"wmv": "video/x-ms-media", "mpg": "video/mpeg", "mpga": "video/mpeg",
	"wrl": "model/vrml", "mov": "video/quicktime", "avi": "video/x-msvideo",
}

// MimeType returns the upload content type for filename.
func MimeType(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	return "application/octet-stream"
}

func multipartBoundary(rawURL string, now time.Time) string {
	sum := md5.Sum([]byte(rawURL + strconv.FormatInt(now.UnixMicro(), 10)))
	return hex.EncodeToString(sum[:])
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(boundary string, fields []formField, files []formFile) []byte {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	// a hex md5 is always a valid boundary
	_ = w.SetBoundary(boundary)

	for _, f := range fields {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="`+quoteEscaper.Replace(f.name)+`"`)
		part, _ := w.CreatePart(h)
		part.Write([]byte(f.value))
	}
	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="`+quoteEscaper.Replace(f.name)+
			`"; filename="`+quoteEscaper.Replace(f.filename)+`"`)
		h.Set("Content-Type", MimeType(f.filename))
		h.Set("Content-Transfer-Encoding", "binary")
		part, _ := w.CreatePart(h)
		part.Write(f.content)
	}
	w.Close()
	return buf.Bytes()
}
