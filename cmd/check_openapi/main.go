// Command check_openapi verifies that api/openapi.yaml keeps the service's
// error contract: the ErrorResponse envelope has the shape the server emits,
// and every documented 4xx/5xx response references it.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const errorRef = "#/components/schemas/ErrorResponse"

type openAPIDoc struct {
	Paths      map[string]pathItem `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type pathItem struct {
	Get    *operation `yaml:"get"`
	Post   *operation `yaml:"post"`
	Put    *operation `yaml:"put"`
	Patch  *operation `yaml:"patch"`
	Delete *operation `yaml:"delete"`
}

type operation struct {
	OperationID string              `yaml:"operationId"`
	Responses   map[string]response `yaml:"responses"`
}

type response struct {
	Description string               `yaml:"description"`
	Content     map[string]mediaType `yaml:"content"`
}

type mediaType struct {
	Schema schema `yaml:"schema"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}

	if err := validateErrorEnvelope(doc); err != nil {
		exitErr(err)
	}

	ops, errResponses, err := validateErrorResponses(doc)
	if err != nil {
		exitErr(err)
	}

	fmt.Printf("OpenAPI error contract check passed (%d operations, %d error responses).\n", ops, errResponses)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// validateErrorEnvelope checks the ErrorResponse schema against the envelope
// the server writes: error and code required, requestId optional, all strings.
func validateErrorEnvelope(doc openAPIDoc) error {
	if doc.Components.Schemas == nil {
		return errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas["ErrorResponse"]
	if !ok {
		return errors.New("schema ErrorResponse missing")
	}
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}

	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	if required["requestId"] {
		return errors.New("ErrorResponse.requestId must stay optional; the middleware may not have run")
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be a string property", field)
		}
	}
	if extra := len(s.Properties) - 3; extra != 0 {
		return fmt.Errorf("ErrorResponse has %d undocumented properties", extra)
	}
	return nil
}

// validateErrorResponses walks every documented operation and requires each
// 4xx/5xx response to carry the ErrorResponse envelope as application/json.
func validateErrorResponses(doc openAPIDoc) (ops, errResponses int, err error) {
	if len(doc.Paths) == 0 {
		return 0, 0, errors.New("paths missing")
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths[path]
		for _, method := range []struct {
			name string
			op   *operation
		}{
			{"get", item.Get},
			{"post", item.Post},
			{"put", item.Put},
			{"patch", item.Patch},
			{"delete", item.Delete},
		} {
			if method.op == nil {
				continue
			}
			ops++
			n, err := checkOperation(path, method.name, method.op)
			if err != nil {
				return 0, 0, err
			}
			errResponses += n
		}
	}
	return ops, errResponses, nil
}

func checkOperation(path, method string, op *operation) (int, error) {
	where := fmt.Sprintf("%s %s", strings.ToUpper(method), path)
	if len(op.Responses) == 0 {
		return 0, fmt.Errorf("%s: no responses documented", where)
	}

	count := 0
	for status, resp := range op.Responses {
		code, err := strconv.Atoi(status)
		if err != nil {
			return 0, fmt.Errorf("%s: non-numeric response status %q", where, status)
		}
		if code < 400 {
			continue
		}
		media, ok := resp.Content["application/json"]
		if !ok {
			return 0, fmt.Errorf("%s %d: error response must be application/json", where, code)
		}
		if ref := strings.TrimSpace(media.Schema.Ref); ref != errorRef {
			return 0, fmt.Errorf("%s %d: schema must reference %s, got %q", where, code, errorRef, ref)
		}
		count++
	}
	return count, nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
