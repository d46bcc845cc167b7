package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

type encodeFunc func(v any) error

func encoder(w io.Writer, format string) (encodeFunc, error) {
	switch format {
	case "json", "":
		e := json.NewEncoder(w)
		e.SetIndent("", "  ")
		return e.Encode, nil
	case "yaml":
		return func(v any) error {
			e := yaml.NewEncoder(w)
			e.SetIndent(2)
			if err := e.Encode(v); err != nil {
				return err
			}
			return e.Close()
		}, nil
	case "cbor":
		return cbor.NewEncoder(w).Encode, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

func writeResult(w io.Writer, format string, v any) error {
	enc, err := encoder(w, format)
	if err != nil {
		return err
	}
	return enc(v)
}
