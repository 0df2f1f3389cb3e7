package validation

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/wudi/tollgate/internal/errors"
)

// xmlText is leaf element text. XML carries no types, so the engine
// coerces these to the rule's declared scalar type at check time;
// JSON strings stay strict.
type xmlText string

// SOAPDocument extracts the first child of the envelope body as the
// validation root and converts it into the generic value tree. The
// decoder never resolves entity declarations and rejects DOCTYPE
// outright, so crafted payloads cannot pull in external content.
func SOAPDocument(body []byte) (interface{}, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = true

	depth := 0 // 0 = before Envelope, 1 = inside Envelope, 2 = inside Body
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errors.ErrValidation.WithDetails("request is not a SOAP envelope")
		}
		if err != nil {
			return nil, errors.ErrValidation.WithDetails("malformed XML: " + err.Error())
		}
		switch t := tok.(type) {
		case xml.Directive:
			if isDoctype(t) {
				return nil, errors.ErrValidation.WithDetails("DOCTYPE is not allowed")
			}
		case xml.StartElement:
			switch depth {
			case 0:
				if t.Name.Local != "Envelope" {
					return nil, errors.ErrValidation.WithDetails("request is not a SOAP envelope")
				}
				depth = 1
			case 1:
				if t.Name.Local != "Body" {
					// Header and friends.
					if err := dec.Skip(); err != nil {
						return nil, errors.ErrValidation.WithDetails("malformed XML: " + err.Error())
					}
					continue
				}
				depth = 2
			case 2:
				return elementValue(dec, t)
			}
		case xml.EndElement:
			if depth == 2 && t.Name.Local == "Body" {
				return nil, errors.ErrValidation.WithDetails("SOAP body is empty")
			}
		}
	}
}

func isDoctype(d xml.Directive) bool {
	return bytes.HasPrefix(bytes.TrimSpace(d), []byte("DOCTYPE"))
}

// elementValue converts an element subtree. Child elements become map
// entries, repeated names collapse into a slice, and a childless
// element becomes its trimmed text.
func elementValue(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	children := map[string]interface{}{}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.ErrValidation.WithDetails("malformed XML: " + err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := elementValue(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			switch prev := children[name].(type) {
			case nil:
				children[name] = child
			case []interface{}:
				children[name] = append(prev, child)
			default:
				children[name] = []interface{}{prev, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.Directive:
			if isDoctype(t) {
				return nil, errors.ErrValidation.WithDetails("DOCTYPE is not allowed")
			}
		case xml.EndElement:
			if len(children) > 0 {
				return children, nil
			}
			return xmlText(strings.TrimSpace(text.String())), nil
		}
	}
}

// coerceText turns XML leaf text into the declared scalar type. Text
// that does not parse as the declared type is a type failure.
func coerceText(path, typ, s string) (interface{}, error) {
	switch typ {
	case "", "string":
		return s, nil
	case "number":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fieldError(ValType, path, "must be of type number")
		}
		return f, nil
	case "integer":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fieldError(ValType, path, "must be of type integer")
		}
		return float64(n), nil
	case "boolean":
		switch s {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, fieldError(ValType, path, "must be of type boolean")
	case "array", "object":
		return nil, fieldError(ValType, path, "must be of type "+typ)
	default:
		return nil, schemaError(path, "unknown type "+strconv.Quote(typ))
	}
}
