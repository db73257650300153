package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"expqueue/internal/orchestrator"
	"expqueue/pkg/model"
)

func submitCmd() *cobra.Command {
	var (
		file string
		sets []string
	)
	cmd := &cobra.Command{
		Use:   "submit BATCH/EXPERIMENT",
		Short: "Queue an experiment described by a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadSubmission(file, sets)
			if err != nil {
				return err
			}
			return withOrchestrator(func(ctx context.Context, o *orchestrator.Orchestrator) error {
				status, err := o.AddExperiment(ctx, key, cfg)
				if err != nil {
					return err
				}
				if status == orchestrator.AlreadyExists {
					fmt.Printf("%s already exists, nothing submitted\n", key)
					return nil
				}
				fmt.Printf("%s queued at position %d\n", key, len(o.GetOrder()))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "experiment configuration (YAML)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a field, e.g. optimization.iterations=30")
	return cmd
}

// loadSubmission reads an experiment configuration and applies key=value overrides. Values
// are typed the way form fields are: int, then float, then string.
func loadSubmission(path string, sets []string) (model.ExperimentConfig, error) {
	var cfg model.ExperimentConfig
	doc := map[string]interface{}{}
	if path != "" {
		bs, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			return cfg, errors.Wrap(err, "reading experiment file")
		}
		if err := yaml.Unmarshal(bs, &doc); err != nil {
			return cfg, errors.Wrap(err, "parsing experiment file")
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
	}

	for _, set := range sets {
		name, value, ok := strings.Cut(set, "=")
		if !ok || name == "" {
			return cfg, errors.Errorf("override %q is not of the form key=value", set)
		}
		if err := setPath(doc, strings.Split(name, "."), model.Typed(value)); err != nil {
			return cfg, errors.Wrapf(err, "override %q", set)
		}
	}

	// YAML 经 JSON 转为配置, 搜索空间使用带类型标签的格式
	bs, err := json.Marshal(doc)
	if err != nil {
		return cfg, errors.Wrap(err, "converting experiment file")
	}
	if err := json.Unmarshal(bs, &cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding experiment configuration")
	}
	return cfg, cfg.Validate()
}

func setPath(doc map[string]interface{}, path []string, value interface{}) error {
	for _, part := range path[:len(path)-1] {
		next, ok := doc[part]
		if !ok {
			m := map[string]interface{}{}
			doc[part] = m
			doc = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return errors.Errorf("%s is not a mapping", part)
		}
		doc = m
	}
	doc[path[len(path)-1]] = value
	return nil
}
