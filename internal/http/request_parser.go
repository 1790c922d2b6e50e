// Package http provides the HTTP server and handlers.
//
// This file parses request bodies that arrive either as JSON or as
// form-encoded data into the typed inputs each endpoint expects.

package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"fintrack/internal/core"
	"fintrack/internal/services"
)

const maxBodyBytes = 1 << 20

var errMissingFields = core.Invalid("", "Missing required fields")

// RequestBodyParser reads a body once and exposes its fields regardless
// of whether it was sent as JSON or as a form.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]any
	formData    url.Values
	parsed      bool
	err         error
}

func NewRequestBodyParser(w http.ResponseWriter, r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{contentType: r.Header.Get("Content-Type")}
	if r.Body == nil {
		return p
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		p.err = core.Invalid("", "Unable to read request body")
		return p
	}
	p.body = body
	return p
}

// Parse decodes the body. Content typed as JSON, or any body starting with
// '{', is decoded as a JSON object; everything else as a form.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	trimmed := bytes.TrimSpace(p.body)
	if len(trimmed) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if isJSONContentType(p.contentType) || trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		p.jsonData = make(map[string]any)
		if err := dec.Decode(&p.jsonData); err != nil {
			p.jsonData = nil
			p.err = core.Invalid("", "Malformed JSON body")
			return p.err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	if p.err != nil {
		p.err = core.Invalid("", "Malformed form body")
	}
	return p.err
}

// Lookup returns the sanitised value for key and whether it was present.
func (p *RequestBodyParser) Lookup(key string) (string, bool) {
	raw, ok := p.lookupRaw(key)
	if !ok {
		return "", false
	}
	return sanitizeInput(raw), true
}

func (p *RequestBodyParser) Get(key string) string {
	v, _ := p.Lookup(key)
	return v
}

// Has reports whether every key is present in the body.
func (p *RequestBodyParser) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := p.lookupRaw(k); !ok {
			return false
		}
	}
	return true
}

// Secret returns the value for key untouched. Passwords may legitimately
// start or end with whitespace.
func (p *RequestBodyParser) Secret(key string) (string, bool) {
	return p.lookupRaw(key)
}

func (p *RequestBodyParser) lookupRaw(key string) (string, bool) {
	if p.jsonData != nil {
		val, ok := p.jsonData[key]
		if !ok || val == nil {
			return "", false
		}
		return stringValue(val), true
	}
	if p.formData != nil {
		if _, ok := p.formData[key]; !ok {
			return "", false
		}
		return p.formData.Get(key), true
	}
	return "", false
}

func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// stringValue converts a decoded JSON value to its text form. Numbers keep
// their literal representation.
func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// sanitizeInput trims whitespace and removes control characters other than
// tab and newlines.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}

func isJSONContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}

// wantsJSON reports whether the client sends or expects JSON.
func wantsJSON(r *http.Request) bool {
	if isJSONContentType(r.Header.Get("Content-Type")) {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

func ParseRegisterInput(p *RequestBodyParser) RegisterInput {
	password, _ := p.Secret("password")
	return RegisterInput{
		Username: p.Get("username"),
		Email:    p.Get("email"),
		Password: password,
	}
}

type LoginInput struct {
	Username string
	Password string
}

func ParseLoginInput(p *RequestBodyParser) LoginInput {
	password, _ := p.Secret("password")
	return LoginInput{Username: p.Get("username"), Password: password}
}

type ResetRequestInput struct {
	Email string
}

func ParseResetRequestInput(p *RequestBodyParser) ResetRequestInput {
	return ResetRequestInput{Email: p.Get("email")}
}

type ResetPasswordInput struct {
	Password string
}

func ParseResetPasswordInput(p *RequestBodyParser) ResetPasswordInput {
	password, _ := p.Secret("password")
	return ResetPasswordInput{Password: password}
}

// AddTransactionInput requires all four keys to be present; blank values
// are rejected later by the transaction service.
type AddTransactionInput struct {
	Date        string
	Amount      string
	Category    string
	Description string
}

func ParseAddTransactionInput(p *RequestBodyParser) (AddTransactionInput, error) {
	if !p.Has("date", "amount", "category", "description") {
		return AddTransactionInput{}, errMissingFields
	}
	return AddTransactionInput{
		Date:        p.Get("date"),
		Amount:      p.Get("amount"),
		Category:    p.Get("category"),
		Description: p.Get("description"),
	}, nil
}

func (in AddTransactionInput) service() services.TransactionInput {
	return services.TransactionInput{
		Date:        in.Date,
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
	}
}

type TransactionFilterInput struct {
	Category  string
	StartDate string
	EndDate   string
}

func ParseTransactionFilterInput(query url.Values) TransactionFilterInput {
	return TransactionFilterInput{
		Category:  sanitizeInput(query.Get("category")),
		StartDate: strings.TrimSpace(query.Get("start_date")),
		EndDate:   strings.TrimSpace(query.Get("end_date")),
	}
}

func (in TransactionFilterInput) Filter() (core.TransactionFilter, error) {
	return services.ParseFilter(services.FilterInput{
		Category:  in.Category,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
	})
}

// UpdateProfileInput keeps nil for absent keys so that only the requested
// changes are applied. Forms always submit every field, so blank form
// password fields count as absent.
type UpdateProfileInput struct {
	Email           *string
	CurrentPassword *string
	NewPassword     *string
}

func ParseUpdateProfileInput(p *RequestBodyParser) UpdateProfileInput {
	var in UpdateProfileInput
	if v, ok := p.Lookup("email"); ok {
		in.Email = &v
	}
	secret := func(key string) *string {
		v, ok := p.Secret(key)
		if !ok || (!p.IsJSON() && v == "") {
			return nil
		}
		return &v
	}
	in.CurrentPassword = secret("current_password")
	in.NewPassword = secret("new_password")
	return in
}

func (in UpdateProfileInput) service() services.ProfileUpdate {
	return services.ProfileUpdate{
		Email:           in.Email,
		CurrentPassword: in.CurrentPassword,
		NewPassword:     in.NewPassword,
	}
}

// parseID parses a positive integer path value.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
