// Copyright 2026 The Nematus Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
	"github.com/mghozyah/nematus/pkg/nematus/lib/logging"
	"github.com/mghozyah/nematus/pkg/nematus/lib/models"
	"github.com/mghozyah/nematus/pkg/nematus/lib/scorers"
	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
	"github.com/mghozyah/nematus/pkg/nematus/lib/translator"
	"github.com/mghozyah/nematus/pkg/nematus/lib/vocab"
)

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Translate a source file with beam search",
	Long: `Read source sentences (one per line, factors separated by '|') and
write beam search translations, 1-best or n-best.`,
	RunE: runTranslate,
}

func init() {
	rootCmd.AddCommand(translateCmd)

	translateCmd.Flags().StringP("input", "i", "", "source file (default: stdin)")
	translateCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	translateCmd.Flags().StringSlice("source-vocab", nil, "source vocabulary JSON, one per factor")
	translateCmd.Flags().String("target-vocab", "", "target vocabulary JSON")
	translateCmd.Flags().StringSlice("model", nil, "scorer model path; repeat for an ensemble")
	translateCmd.Flags().String("scorer", "echo", "scorer backend name")
	translateCmd.Flags().Int("beam-size", 12, "beam width")
	translateCmd.Flags().Bool("n-best", false, "write n-best lists with scores instead of 1-best translations")
	translateCmd.Flags().Int("minibatch-size", 80, "minibatch size in sentences")
	translateCmd.Flags().Int("maxibatch-size", 20, "number of minibatches to read ahead and sort")
	translateCmd.Flags().Float64("normalization-alpha", 1.0, "length normalization exponent")
	translateCmd.Flags().Bool("return-alignments", false, "log attention alignments")
	translateCmd.Flags().Int("max-length", 200, "hard cap on translation length")
	translateCmd.Flags().Int("metrics-port", 0, "serve Prometheus metrics on this port (0 = disabled)")

	mustBindPFlag("input", translateCmd.Flags().Lookup("input"))
	mustBindPFlag("output", translateCmd.Flags().Lookup("output"))
	mustBindPFlag("source_vocab", translateCmd.Flags().Lookup("source-vocab"))
	mustBindPFlag("target_vocab", translateCmd.Flags().Lookup("target-vocab"))
	mustBindPFlag("model", translateCmd.Flags().Lookup("model"))
	mustBindPFlag("scorer", translateCmd.Flags().Lookup("scorer"))
	mustBindPFlag("beam_size", translateCmd.Flags().Lookup("beam-size"))
	mustBindPFlag("n_best", translateCmd.Flags().Lookup("n-best"))
	mustBindPFlag("minibatch_size", translateCmd.Flags().Lookup("minibatch-size"))
	mustBindPFlag("maxibatch_size", translateCmd.Flags().Lookup("maxibatch-size"))
	mustBindPFlag("normalization_alpha", translateCmd.Flags().Lookup("normalization-alpha"))
	mustBindPFlag("return_alignments", translateCmd.Flags().Lookup("return-alignments"))
	mustBindPFlag("max_length", translateCmd.Flags().Lookup("max-length"))
	mustBindPFlag("metrics_port", translateCmd.Flags().Lookup("metrics-port"))

	viper.SetDefault("scorer", "echo")
	viper.SetDefault("beam_size", 12)
	viper.SetDefault("minibatch_size", 80)
	viper.SetDefault("maxibatch_size", 20)
	viper.SetDefault("normalization_alpha", 1.0)
	viper.SetDefault("max_length", 200)
}

func runTranslate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	sourcePaths := viper.GetStringSlice("source_vocab")
	if len(sourcePaths) == 0 {
		return errors.New("at least one --source-vocab is required")
	}
	targetPath := viper.GetString("target_vocab")
	if targetPath == "" {
		return errors.New("--target-vocab is required")
	}

	sourceVocabs := make([]*vocab.Vocab, len(sourcePaths))
	for i, path := range sourcePaths {
		v, err := vocab.Load(path)
		if err != nil {
			return fmt.Errorf("loading source vocabulary: %w", err)
		}
		sourceVocabs[i] = v
	}
	targetVocab, err := vocab.Load(targetPath)
	if err != nil {
		return fmt.Errorf("loading target vocabulary: %w", err)
	}

	// One scorer per model path; backends that need no artifact (echo)
	// accept an empty path.
	modelPaths := viper.GetStringSlice("model")
	if len(modelPaths) == 0 {
		modelPaths = []string{""}
	}
	backend := viper.GetString("scorer")
	scorerSet := make([]search.Scorer, len(modelPaths))
	for i, path := range modelPaths {
		scorer, err := scorers.New(backend, path, targetVocab.Size(), targetVocab.EOSID())
		if err != nil {
			return fmt.Errorf("building scorer: %w", err)
		}
		scorerSet[i] = scorer
	}

	modelSet, err := models.NewModelSet(scorerSet, models.Config{
		EOSID:                targetVocab.EOSID(),
		MaxTranslationLength: viper.GetInt("max_length"),
	}, logger)
	if err != nil {
		return err
	}

	opts := translator.Options{
		BeamSize:             viper.GetInt("beam_size"),
		NBest:                viper.GetBool("n_best"),
		MinibatchSize:        viper.GetInt("minibatch_size"),
		MaxibatchSize:        viper.GetInt("maxibatch_size"),
		NormalizationAlpha:   float32(viper.GetFloat64("normalization_alpha")),
		ReturnAlignments:     viper.GetBool("return_alignments"),
		MaxTranslationLength: viper.GetInt("max_length"),
	}
	tr, err := translator.New(modelSet, sourceVocabs, targetVocab, opts, logger)
	if err != nil {
		return err
	}

	if port := viper.GetInt("metrics_port"); port > 0 {
		startMetricsServer(logger, port)
	}

	in, closeIn, err := openInput(viper.GetString("input"))
	if err != nil {
		return err
	}
	defer closeIn()

	out, closeOut, err := openOutput(viper.GetString("output"))
	if err != nil {
		return err
	}
	defer closeOut()

	if err := tr.TranslateFile(ctx, in, out); err != nil {
		var dfe *batching.DataFormatError
		if errors.As(err, &dfe) {
			// Malformed input is fatal: log and terminate with a non-zero
			// status, no partial output for the failed maxibatch.
			logger.Error("Malformed source input", zap.Error(dfe))
			_ = logger.Sync()
			os.Exit(1)
		}
		return err
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// startMetricsServer exposes /metrics in the background for scraping.
func startMetricsServer(logger *zap.Logger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
}
