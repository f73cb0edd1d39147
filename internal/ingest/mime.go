package ingest

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// ErrMalformed 原始邮件无法解析
var ErrMalformed = errors.New("malformed message")

var errMissingBoundary = errors.New("multipart message without boundary")

// Message 表示解析后的入站邮件。
type Message struct {
	From        string    // 发件人地址（无显示名）
	Subject     string    // 已解码的主题
	Text        string    // 第一个 text/plain 部分
	HTML        string    // 第一个 text/html 部分
	Date        time.Time // Date 头，缺失或无法解析时为零值
	To          []string  // To 头中的地址
	DeliveredTo string
	OriginalTo  string

	// BodyErr 正文解码失败的原因，此时正文保留原始内容
	BodyErr error
}

// Recipient 返回投递目标地址：To 的第一个地址，其次 Delivered-To、X-Original-To
func (m *Message) Recipient() string {
	if len(m.To) > 0 && m.To[0] != "" {
		return m.To[0]
	}
	if m.DeliveredTo != "" {
		return m.DeliveredTo
	}
	return m.OriginalTo
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// ParseMessage 解析原始 RFC 5322 邮件，提取正文、主题和收件人。
//
// 只有邮件头无法解析时返回 ErrMalformed。正文解码失败时保留原始正文作为
// 纯文本，并把原因记录在 BodyErr 中。
func ParseMessage(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	parsed := &Message{
		From:        parseSender(msg.Header.Get("From")),
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		To:          parseAddressList(msg.Header.Get("To")),
		DeliveredTo: firstAddress(msg.Header.Get("Delivered-To")),
		OriginalTo:  firstAddress(msg.Header.Get("X-Original-To")),
	}
	if date, err := msg.Header.Date(); err == nil {
		parsed.Date = date
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		parsed.Text = string(body)
		parsed.BodyErr = fmt.Errorf("read body: %w", err)
		return parsed, nil
	}
	parsed.BodyErr = parseBody(parsed, msg.Header, body)
	return parsed, nil
}

// parseBody 按 Content-Type 填充 Text/HTML，失败时回退为原始正文
func parseBody(parsed *Message, header mail.Header, body []byte) error {
	transferEncoding := header.Get("Content-Transfer-Encoding")

	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			parsed.Text = string(body)
			return errMissingBoundary
		}
		if err := parseMultipart(multipart.NewReader(bytes.NewReader(body), boundary), parsed); err != nil {
			if parsed.Text == "" && parsed.HTML == "" {
				parsed.Text = string(body)
			}
			return fmt.Errorf("parse multipart: %w", err)
		}
		return nil
	}

	text, err := decodeBody(bytes.NewReader(body), transferEncoding, params["charset"])
	if err != nil {
		text = string(body)
		err = fmt.Errorf("decode body: %w", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = text
	} else {
		parsed.Text = text
	}
	return err
}

// parseMultipart 递归解析多部分邮件，附件被跳过
func parseMultipart(mr *multipart.Reader, parsed *Message) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			if dispType, _, _ := mime.ParseMediaType(disposition); dispType == "attachment" {
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		// multipart.Part 会自动解开 quoted-printable 并删除该头
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// decodeBody 根据传输编码和字符集解码邮件体
func decodeBody(reader io.Reader, transferEncoding, charset string) (string, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	if enc := charsetEncoding(charset); enc != nil {
		if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			body = converted
		}
	}
	return string(body), nil
}

// charsetEncoding 根据字符集名称返回编码，UTF-8/ASCII 或未知字符集返回 nil
func charsetEncoding(charset string) encoding.Encoding {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return nil
	case "gb2312", "gbk":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	}
	// 其余按 WHATWG 名称查找，例如 iso-8859-1、windows-1252
	if enc, err := htmlindex.Get(charset); err == nil {
		return enc
	}
	return nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := charsetEncoding(charset)
	if enc == nil {
		if c := strings.ToLower(charset); c == "utf-8" || c == "us-ascii" {
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// decodeHeader 解码 RFC 2047 编码字，失败时返回原值
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return strings.TrimSpace(decoded)
}

func parseAddressList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	list, err := parser.ParseList(value)
	if err != nil {
		// 宽松回退：按逗号拆分并取尖括号内的地址
		out := make([]string, 0)
		for _, part := range strings.Split(value, ",") {
			if addr := looseAddress(part); addr != "" {
				out = append(out, addr)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func firstAddress(value string) string {
	if list := parseAddressList(value); len(list) > 0 {
		return list[0]
	}
	return ""
}

// parseSender 提取发件人地址，解析失败时返回解码后的原始值
func parseSender(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	if addr, err := parser.Parse(value); err == nil {
		return addr.Address
	}
	if addr := looseAddress(value); addr != "" {
		return addr
	}
	return decodeHeader(value)
}

func looseAddress(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.LastIndex(value, ">"); end > start {
			value = value[start+1 : end]
		}
	}
	value = strings.TrimSpace(value)
	if !strings.Contains(value, "@") || strings.ContainsAny(value, " \t") {
		return ""
	}
	return value
}
