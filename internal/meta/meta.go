// Package meta implements parameter validation and the per-user
// restriction layer: allow-lists over option values and auxiliary data
// injection.
package meta

import (
	"fmt"
	"strconv"

	"github.com/epam/modular-api/internal/registry"
	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
)

// Validate type-checks the supplied parameters against the command meta
// and fills in declared defaults for absent options. Unknown options are
// rejected; missing required options without a default are rejected.
func Validate(cmd *registry.CommandMeta, params map[string][]string) (map[string][]string, error) {
	known := make(map[string]registry.Parameter, len(cmd.Parameters))
	for _, p := range cmd.Parameters {
		known[p.Name] = p
	}
	for name := range params {
		if _, ok := known[name]; !ok {
			return nil, errors.NewValidationError(name, "unknown option")
		}
	}

	out := make(map[string][]string, len(params))
	for name, values := range params {
		out[name] = values
	}
	for _, p := range cmd.Parameters {
		values, supplied := out[p.Name]
		if !supplied {
			if p.Default != nil {
				out[p.Name] = defaultValues(p)
				continue
			}
			if p.Required {
				return nil, errors.NewValidationError(p.Name, "required option missing")
			}
			continue
		}
		if err := checkType(p, values); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkType(p registry.Parameter, values []string) error {
	if p.Type != registry.TypeStringList && len(values) > 1 {
		return errors.NewValidationError(p.Name, "option supplied more than once")
	}
	for _, v := range values {
		switch p.Type {
		case registry.TypeInteger:
			if _, err := strconv.Atoi(v); err != nil {
				return errors.NewValidationError(p.Name, fmt.Sprintf("%q is not an integer", v))
			}
		case registry.TypeBoolean:
			if _, err := strconv.ParseBool(v); err != nil {
				return errors.NewValidationError(p.Name, fmt.Sprintf("%q is not a boolean", v))
			}
		}
	}
	return nil
}

func defaultValues(p registry.Parameter) []string {
	switch v := p.Default.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// Restrict enforces the user's allow-lists over the validated parameters
// and injects auxiliary data. Every supplied value of a restricted option
// must be allow-listed; an absent restricted option whose effective
// default falls outside the list rejects the call. Aux data fills options
// the caller did not supply.
func Restrict(user *models.User, params map[string][]string) (map[string][]string, error) {
	out := make(map[string][]string, len(params))
	for name, values := range params {
		out[name] = values
	}

	for option, allowed := range user.Meta.AllowedValues {
		values, present := out[option]
		if !present {
			continue
		}
		set := make(map[string]struct{}, len(allowed))
		for _, v := range allowed {
			set[v] = struct{}{}
		}
		for _, v := range values {
			if _, ok := set[v]; !ok {
				return nil, errors.NewRestrictedValueError(option, v)
			}
		}
	}

	for option, value := range user.Meta.AuxData {
		if _, present := out[option]; present {
			continue
		}
		out[option] = auxValues(value)
	}
	return out, nil
}

func auxValues(value any) []string {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}
