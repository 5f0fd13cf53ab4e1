package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"serveml/internal/script"
)

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add --model FILE --validator FILE",
		Short: "Register a model and its argument validator",
		Long: `Register a model and its argument validator.

The runtime of each script is taken from its file extension (.lua, .hcl,
.jsonpath) unless given explicitly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			modelFile, _ := cmd.Flags().GetString("model")
			validatorFile, _ := cmd.Flags().GetString("validator")
			modelRuntime, _ := cmd.Flags().GetString("model-runtime")
			validatorRuntime, _ := cmd.Flags().GetString("validator-runtime")

			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			model, err := loadPayload(modelFile, modelRuntime)
			if err != nil {
				return fmt.Errorf("model: %w", err)
			}
			validator, err := loadPayload(validatorFile, validatorRuntime)
			if err != nil {
				return fmt.Errorf("validator: %w", err)
			}

			key, err := clientFromCmd(cmd).AddProduct(cmd.Context(), model, validator)
			if err != nil {
				return err
			}
			if p.isJSON() {
				return p.json(map[string]int64{"new_product_key": key})
			}
			p.kv([][2]string{{"Product key", strconv.FormatInt(key, 10)}})
			return nil
		},
	}
	cmd.Flags().String("model", "", "model script file (required)")
	cmd.Flags().String("validator", "", "validator script file (required)")
	cmd.Flags().String("model-runtime", "", "model runtime (default: from file extension)")
	cmd.Flags().String("validator-runtime", "", "validator runtime (default: from file extension)")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("validator")
	return cmd
}

func newInferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer <key>",
		Short: "Run a product's model on arguments",
		Example: `  serveml product infer 1 --arg x=12
  serveml product infer 1 --args '{"x": [1, 2, 3]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			argsJSON, _ := cmd.Flags().GetString("args")
			pairs, _ := cmd.Flags().GetStringArray("arg")
			inferArgs, err := buildArgs(argsJSON, pairs)
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}

			result, err := clientFromCmd(cmd).Infer(cmd.Context(), key, inferArgs)
			if err != nil {
				return err
			}
			if p.isJSON() {
				var v any
				if err := json.Unmarshal(result, &v); err != nil {
					return err
				}
				return p.json(v)
			}
			p.kv([][2]string{{"Result", string(result)}})
			return nil
		},
	}
	cmd.Flags().String("args", "", "arguments as a JSON object")
	cmd.Flags().StringArray("arg", nil, "argument as name=value; value is parsed as JSON, else taken as a string (repeatable)")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			if err := clientFromCmd(cmd).RemoveProduct(cmd.Context(), key); err != nil {
				return err
			}
			if p.isJSON() {
				return p.json(map[string]int64{"deleted_product_key": key})
			}
			p.kv([][2]string{{"Removed", strconv.FormatInt(key, 10)}})
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active product keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			keys, err := clientFromCmd(cmd).ListProducts(cmd.Context())
			if err != nil {
				return err
			}
			if p.isJSON() {
				return p.json(map[string][]int64{"active_product_keys": keys})
			}
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, []string{strconv.FormatInt(k, 10)})
			}
			p.table([]string{"KEY"}, rows)
			return nil
		},
	}
}

func parseKey(s string) (int64, error) {
	key, err := strconv.ParseInt(s, 10, 64)
	if err != nil || key < 1 {
		return 0, fmt.Errorf("invalid product key %q", s)
	}
	return key, nil
}

// runtimeFor maps a script file extension to its runtime.
func runtimeFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lua":
		return script.RuntimeLua, nil
	case ".hcl":
		return script.RuntimeHCL, nil
	case ".jsonpath", ".jp":
		return script.RuntimeJSONPath, nil
	}
	return "", fmt.Errorf("cannot tell runtime of %s from its extension; pass it explicitly", path)
}

func loadPayload(path, runtime string) ([]byte, error) {
	if runtime == "" {
		var err error
		if runtime, err = runtimeFor(path); err != nil {
			return nil, err
		}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return script.Encode(script.Spec{Runtime: runtime, Source: string(src)})
}

// buildArgs merges a JSON object with name=value pairs; pairs win.
func buildArgs(argsJSON string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &out); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
		if out == nil {
			out = map[string]any{}
		}
	}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--arg %q: want name=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[name] = v
	}
	return out, nil
}
