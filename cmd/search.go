package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pvavrin/facelens/internal/blob"
	"github.com/pvavrin/facelens/internal/config"
	"github.com/pvavrin/facelens/internal/extract"
	"github.com/pvavrin/facelens/internal/logging"
	"github.com/pvavrin/facelens/internal/match"
	"github.com/pvavrin/facelens/internal/store"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a one-shot face search against a collection",
	Long: `Search a collection's embedding store for photos containing the face
from a reference image, synchronously, printing matching image keys.
Useful for operators checking a collection without going through the API.`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().String("collection", "", "Collection id to search (required)")
	searchCmd.Flags().String("photo", "", "Path to the reference photo (required)")
	searchCmd.Flags().Float64("threshold", 0, "Similarity threshold override (0 uses the configured default)")
	searchCmd.Flags().Bool("all-faces", false, "List every matching face instead of one match per image")
	searchCmd.Flags().Int("top-n", 0, "Cap the number of results (0 means unlimited)")
	_ = searchCmd.MarkFlagRequired("collection")
	_ = searchCmd.MarkFlagRequired("photo")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log, closeLog := logging.Setup(cfg.Log.File, logging.ParseLevel(cfg.Log.Level))
	defer closeLog()

	if cfg.Extractor.URL == "" {
		return errors.New("EXTRACTOR_URL environment variable is required")
	}

	collectionID := mustGetString(cmd, "collection")
	photoPath := mustGetString(cmd, "photo")

	image, err := os.ReadFile(photoPath)
	if err != nil {
		return fmt.Errorf("failed to read reference photo: %w", err)
	}

	blobs, err := blob.NewMinioStore(cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to connect to blob storage: %w", err)
	}
	stores := store.NewManager(blobs, log)
	extractor := extract.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout)

	ctx := context.Background()

	faces, err := extractor.ExtractReference(ctx, image)
	if err != nil {
		return fmt.Errorf("failed to extract reference face: %w", err)
	}
	if len(faces) == 0 {
		return errors.New("no face found in the reference photo")
	}

	st, err := stores.Load(ctx, collectionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("collection %s has no embeddings yet", collectionID)
	} else if err != nil {
		return fmt.Errorf("failed to load embedding store: %w", err)
	}

	opts := match.Options{
		Threshold:   cfg.Defaults.Matching.Threshold,
		GenderMatch: cfg.Defaults.Matching.GenderMatch,
		TopN:        mustGetInt(cmd, "top-n"),
	}
	if t := mustGetFloat64(cmd, "threshold"); t > 0 && t < 1 {
		opts.Threshold = t
	}

	if mustGetBool(cmd, "all-faces") {
		matches, err := match.FindMatches(st, faces[0], opts)
		if err != nil {
			return err
		}
		fmt.Printf("Scanned %d images, %d matching faces:\n", len(st.Records), len(matches))
		for _, m := range matches {
			fmt.Printf("  %.4f  %s (face %d)\n", m.Similarity, m.ImagePath, m.FaceIndex)
		}
		return nil
	}

	images, err := match.FindMatchingImages(st, faces[0], opts)
	if err != nil {
		return err
	}
	fmt.Printf("Scanned %d images, %d matches:\n", len(st.Records), len(images))
	for _, key := range images {
		fmt.Printf("  %s\n", key)
	}
	return nil
}
