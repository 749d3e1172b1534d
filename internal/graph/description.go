package graph

import (
	"bytes"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// layerDef is one entry of a Keras layer list.
type layerDef struct {
	ClassName    string          `json:"class_name"`
	Name         string          `json:"name"`
	Config       json.RawMessage `json:"config"`
	InboundNodes json.RawMessage `json:"inbound_nodes"`
}

// description is a decoded Keras model description. Sequential models
// carry only layers; Model descriptions carry explicit edges.
type description struct {
	className string
	layers    []layerDef
}

// parseDescription decodes the model JSON produced by Keras model.to_json().
func parseDescription(data []byte) (*description, error) {
	var top struct {
		ClassName string          `json:"class_name"`
		Config    json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, errdefs.Configf("model description: %v", err)
	}
	switch top.ClassName {
	case "Sequential", "Model", "Functional":
	default:
		return nil, errdefs.Unsupportedf("model class %q", top.ClassName)
	}
	defs, err := layerList(top.Config)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, errdefs.Configf("model configuration does not contain any layers")
	}
	className := top.ClassName
	if className == "Functional" {
		className = "Model"
	}
	return &description{className: className, layers: defs}, nil
}

// layerList accepts both the bare list of older Sequential configs and the
// {"layers": [...]} object used everywhere else.
func layerList(raw json.RawMessage) ([]layerDef, error) {
	raw = bytes.TrimSpace(raw)
	var defs []layerDef
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &defs); err != nil {
			return nil, errdefs.Configf("layer list: %v", err)
		}
		return defs, nil
	}
	var obj struct {
		Layers []layerDef `json:"layers"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errdefs.Configf("layer list: %v", err)
	}
	return obj.Layers, nil
}

// layerName prefers config.name, which is what weight records are keyed by.
func (d layerDef) layerName() (string, error) {
	var named struct {
		Name string `json:"name"`
	}
	if len(bytes.TrimSpace(d.Config)) > 0 && d.Config[0] == '{' {
		if err := json.Unmarshal(d.Config, &named); err != nil {
			return "", errdefs.Configf("layer %s: %v", d.ClassName, err)
		}
	}
	if named.Name == "" {
		named.Name = d.Name
	}
	if named.Name == "" {
		return "", errdefs.Configf("%s layer without a name", d.ClassName)
	}
	return named.Name, nil
}

// inbound returns the predecessor names of the first inbound node. Entries
// are [layer_name, node_index, tensor_index, kwargs].
func (d layerDef) inbound() ([]string, error) {
	raw := bytes.TrimSpace(d.InboundNodes)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var nodes [][][]json.RawMessage
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, errdefs.Configf("inbound_nodes: %v", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(nodes[0]))
	for _, ref := range nodes[0] {
		if len(ref) == 0 {
			return nil, errdefs.Configf("empty inbound reference")
		}
		var name string
		if err := json.Unmarshal(ref[0], &name); err != nil {
			return nil, errdefs.Configf("inbound reference: %v", err)
		}
		names = append(names, name)
	}
	return names, nil
}

// batchInputShape reads config.batch_input_shape without the batch axis.
func (d layerDef) batchInputShape() ([]int, error) {
	var c struct {
		BatchInputShape []*int `json:"batch_input_shape"`
	}
	if err := json.Unmarshal(d.Config, &c); err != nil {
		return nil, errdefs.Configf("%v", err)
	}
	if len(c.BatchInputShape) < 2 {
		return nil, errdefs.Configf("first layer %s has no batch_input_shape", d.ClassName)
	}
	shape := make([]int, 0, len(c.BatchInputShape)-1)
	for _, v := range c.BatchInputShape[1:] {
		if v == nil || *v <= 0 {
			return nil, errdefs.Configf("batch_input_shape must be fully defined")
		}
		shape = append(shape, *v)
	}
	return shape, nil
}
