// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/replicafeed/internal/scoped"
	"github.com/gomlx/replicafeed/pkg/support/fsutil"
	"github.com/gomlx/replicafeed/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "batch_size=64;num_replicas=2;...".
//
// All the parameters must have a default value in the root scope (see NewParams). The default
// values are used to set the type to which the string values are parsed.
//
// A scope can be given to a parameter: "train_data/mirror=true" only sets mirror for the layer
// in scope "/train_data".
//
// A setting "file:<path>" reads settings from a file, one or more per line, "#" starts a comment
// line.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator,
// like in Go. E.g.: 1_000_000 = 1000000.
//
// It returns the list of parameters set.
func ParseSettings(p *scoped.Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(p, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(p *scoped.Params, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		var filePath string
		filePath, err = fsutil.ResolvePath(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, subSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(p, subSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	paramPath, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	scope, paramName := RootScope, paramPath
	if idx := strings.LastIndex(paramPath, ScopeSeparator); idx != -1 {
		scope, paramName = paramPath[:idx], paramPath[idx+1:]
		if !strings.HasPrefix(scope, ScopeSeparator) {
			scope = ScopeSeparator + scope
		}
	}
	value, found := p.Get(RootScope, paramName)
	if !found {
		err = errors.Errorf("can't set parameter %q (scope=%q) because the param %q has no default value",
			paramPath, scope, paramName)
		return
	}

	switch v := value.(type) {
	case int:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []float64:
		if valueStr == "" {
			value = []float64{}
			break
		}
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) float64 {
			var asNum float64
			if newErr := json.Unmarshal([]byte(strings.TrimSpace(str)), &asNum); newErr != nil {
				err = newErr
			}
			return asNum
		})
	default:
		err = fmt.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, paramPath, value)
		return
	}
	p.Set(scope, paramName, value)
	newParamsSet = append(newParamsSet, paramPath)
	return
}
