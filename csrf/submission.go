package csrf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
)

const (
	maxBodyBytes      = 1 << 20
	maxMultipartBytes = 10 << 20
)

type submissionKind int

const (
	fromRequest submissionKind = iota
	formValues
	jsonObject
)

// Submission says where the submitted token comes from. Callers that have
// already parsed the body pass the result with Form or JSON; otherwise
// FromRequest parses it by Content-Type.
type Submission struct {
	kind submissionKind
	form url.Values
	obj  map[string]any
}

// Form uses already-parsed form values.
func Form(values url.Values) Submission {
	return Submission{kind: formValues, form: values}
}

// JSON uses an already-decoded JSON object.
func JSON(obj map[string]any) Submission {
	return Submission{kind: jsonObject, obj: obj}
}

// FromRequest reads the request body: form encodings yield form fields and
// application/json yields a JSON object. When the body has no token the
// X-CSRF-Token header is used.
func FromRequest() Submission {
	return Submission{kind: fromRequest}
}

func (s Submission) resolve(r *http.Request) (string, error) {
	switch s.kind {
	case formValues:
		return s.form.Get(FieldName), nil
	case jsonObject:
		return stringField(s.obj), nil
	}

	tok, err := fromBody(r)
	if err != nil {
		return "", err
	}
	if tok == "" {
		tok = r.Header.Get(HeaderName)
	}
	return tok, nil
}

func fromBody(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "", nil
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBody, err)
		}
		return r.PostForm.Get(FieldName), nil
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(nil, r.Body, maxMultipartBytes)
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBody, err)
		}
		return r.PostForm.Get(FieldName), nil
	case "application/json":
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		r.Body.Close()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBody, err)
		}
		if len(body) > maxBodyBytes {
			return "", fmt.Errorf("%w: body exceeds %d bytes", ErrBody, maxBodyBytes)
		}
		// Restore the body for the handler.
		r.Body = io.NopCloser(bytes.NewReader(body))

		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			// Not an object: there is no token to find.
			return "", nil
		}
		return stringField(obj), nil
	}
	return "", nil
}

func stringField(obj map[string]any) string {
	v, _ := obj[FieldName].(string)
	return v
}
