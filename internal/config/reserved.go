package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
)

// reservedParamNames are the argument names the build context supplies to
// every builder. A params block that sets one of them collides with the
// caller-provided arguments, which is a configuration error rather than a
// silent override.
var reservedParamNames = []string{
	"teacher_model",
	"student_model",
	"device",
	"device_ids",
	"distributed",
}

// CheckReservedParams returns an error if the params body declares any
// reserved attribute name.
func CheckReservedParams(body hcl.Body) error {
	schema := &hcl.BodySchema{}
	for _, name := range reservedParamNames {
		schema.Attributes = append(schema.Attributes, hcl.AttributeSchema{Name: name})
	}
	content, _, _ := body.PartialContent(schema)
	if content == nil || len(content.Attributes) == 0 {
		return nil
	}
	var found []string
	for name := range content.Attributes {
		found = append(found, name)
	}
	sort.Strings(found)
	return fmt.Errorf("config: params must not set reserved argument(s) %s; they are supplied by the caller",
		strings.Join(found, ", "))
}
