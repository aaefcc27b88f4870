package tools

import (
	"context"
	"fmt"

	"github.com/datatalk-ai/datatalk/internal/artifact"
	"github.com/datatalk-ai/datatalk/internal/turnctx"
)

var chartTypes = map[string]bool{
	"bar":  true,
	"line": true,
	"pie":  true,
}

func (r *Registry) handleRenderChart(ctx context.Context, args map[string]any) (string, error) {
	chartType, _ := args["type"].(string)
	if !chartTypes[chartType] {
		return "", fmt.Errorf("unsupported chart type %q (want bar, line, or pie)", chartType)
	}

	title, _ := args["title"].(string)

	labels, err := stringSlice(args["labels"])
	if err != nil {
		return "", fmt.Errorf("labels: %w", err)
	}
	if len(labels) == 0 {
		return "", fmt.Errorf("labels must not be empty")
	}

	rawSeries, ok := args["series"].([]any)
	if !ok || len(rawSeries) == 0 {
		return "", fmt.Errorf("series must be a non-empty array")
	}

	chart := &artifact.Chart{Type: chartType, Title: title, Labels: labels}
	for i, raw := range rawSeries {
		obj, ok := raw.(map[string]any)
		if !ok {
			return "", fmt.Errorf("series[%d] must be an object", i)
		}
		name, _ := obj["name"].(string)
		values, err := floatSlice(obj["values"])
		if err != nil {
			return "", fmt.Errorf("series[%d] values: %w", i, err)
		}
		if len(values) != len(labels) {
			return "", fmt.Errorf("series[%d] has %d values for %d labels", i, len(values), len(labels))
		}
		chart.Series = append(chart.Series, artifact.Series{Name: name, Values: values})
	}

	r.logger.Debug("chart rendered", "type", chartType, "labels", len(labels), "series", len(chart.Series))

	if tc := turnctx.FromContext(ctx); tc != nil {
		tc.SetChart(chart)
	}

	return fmt.Sprintf("Rendered a %s chart %q with %d series over %d labels. It is displayed to the user.",
		chartType, title, len(chart.Series), len(labels)), nil
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array of strings")
	}
	out := make([]string, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is not a string", i)
		}
		out[i] = s
	}
	return out, nil
}

func floatSlice(v any) ([]float64, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array of numbers")
	}
	out := make([]float64, len(raw))
	for i, item := range raw {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out[i] = f
	}
	return out, nil
}
