package endpoint

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFormLimit is the maximum memory used when parsing multipart form data.
var defaultFormLimit int64 = 32 << 20 // 32MB

// defaultFieldLimit is the default maximum byte length of a single decoded value.
var defaultFieldLimit = 16 * 1024 // 16KB

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name"`: r.URL.Query()
//   - `form:"name"`: r.Form (ParseForm or ParseMultipartForm is called as needed)
//   - `maxLength:"n"`: maximum byte length of a value; 16KB when absent, "0" for no limit
//
// If several source tags are present the precedence is path, query, form.
// Supported field kinds are string, []string, bool and int. Anonymous embedded
// structs are decoded recursively. Fields with no data are left unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	query := url.Values{}
	if r.URL != nil {
		query = r.URL.Query()
	}
	form, err := parseForm(r)
	if err != nil {
		return err
	}
	return unmarshalStruct(r, root, query, form)
}

func parseForm(r *http.Request) (url.Values, error) {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("parse content-type: %w", err))
		}
		if strings.EqualFold(mt, "multipart/form-data") {
			if err := r.ParseMultipartForm(defaultFormLimit); err != nil {
				return nil, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("parse multipart form: %w", err))
			}
			return r.Form, nil
		}
	}
	if err := r.ParseForm(); err != nil {
		return nil, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
	}
	return r.Form, nil
}

func unmarshalStruct(r *http.Request, structVal reflect.Value, query, form url.Values) error {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := structVal.Field(i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := unmarshalStruct(r, fv, query, form); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		values, ok := lookupValues(r, sf, query, form)
		if !ok {
			continue
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		for _, s := range values {
			if limit > 0 && len(s) > limit {
				return newEndpointError(http.StatusBadRequest, fmt.Sprintf("%s exceeds maximum length of %d bytes", sf.Name, limit), nil)
			}
		}

		if err := setField(fv, values); err != nil {
			return newEndpointError(http.StatusBadRequest, fmt.Sprintf("invalid value for %s", sf.Name), err)
		}
	}
	return nil
}

// lookupValues returns the raw values for sf from the first source tag that has data.
func lookupValues(r *http.Request, sf reflect.StructField, query, form url.Values) ([]string, bool) {
	if name, ok := tagName(sf, "path"); ok {
		if s := r.PathValue(name); s != "" {
			return []string{s}, true
		}
	}
	if name, ok := tagName(sf, "query"); ok {
		if vs, ok := query[name]; ok && len(vs) > 0 {
			return vs, true
		}
	}
	if name, ok := tagName(sf, "form"); ok {
		if vs, ok := form[name]; ok && len(vs) > 0 {
			return vs, true
		}
	}
	return nil, false
}

func tagName(sf reflect.StructField, source string) (string, bool) {
	tag, ok := sf.Tag.Lookup(source)
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	name = strings.TrimSpace(name)
	if name == "-" {
		return "", false
	}
	if name == "" {
		name = strings.ToLower(sf.Name)
	}
	return name, true
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil {
		return 0, fmt.Errorf("maxLength tag: %w", err)
	}
	if n < 0 {
		return 0, errors.New("maxLength tag must be non-negative")
	}
	return n, nil
}

func setField(fv reflect.Value, values []string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(values[0])
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		fv.Set(reflect.ValueOf(append([]string(nil), values...)).Convert(fv.Type()))
	case reflect.Bool:
		b, err := strconv.ParseBool(values[0])
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int64, reflect.Int32:
		n, err := strconv.ParseInt(values[0], 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
