package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/GalleryDrop/internal/imaging"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/pathgen"
	"github.com/dharsanguruparan/GalleryDrop/internal/server"
	"github.com/dharsanguruparan/GalleryDrop/internal/upload"
)

func newDecodeCmd() *cobra.Command {
	var (
		contentType string
		root        string
		start       uint64
		strict      bool
	)
	cmd := &cobra.Command{
		Use:   "decode <body-file|->",
		Short: "Decode a captured multipart or url-encoded body and print the form tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if root != "" {
				cfg.UploadRoot = root
			}
			cfg.StrictForms = cfg.StrictForms || strict
			if err := os.MkdirAll(cfg.UploadRoot, 0o755); err != nil {
				return err
			}

			body, closeBody, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeBody()

			dec := server.NewDecoder(cfg, pathgen.New(start), nil, logger)
			res, err := decodeBody(cmd, dec, contentType, body)
			if err != nil {
				if n := len(upload.LeftoverPaths(err)); n > 0 {
					logger.Warn("partial files left in upload root", "count", n, "root", cfg.UploadRoot)
				}
				return err
			}
			files := res.Files
			if files == nil {
				files = []model.StoredFile{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"form": res.Form, "files": files})
		},
	}
	cmd.Flags().StringVarP(&contentType, "content-type", "t", "", "Content-Type header of the captured request, including boundary")
	cmd.Flags().StringVar(&root, "root", "", "Directory to store file parts in (defaults to the configured upload root)")
	cmd.Flags().Uint64Var(&start, "start", 0, "First sequence number for stored paths")
	cmd.Flags().BoolVar(&strict, "strict", false, "Reject fields whose shapes conflict")
	_ = cmd.MarkFlagRequired("content-type")
	return cmd
}

func decodeBody(cmd *cobra.Command, dec *upload.Decoder, contentType string, body io.Reader) (*upload.Result, error) {
	kind, boundary, err := upload.DetectPostKind(contentType)
	if err != nil {
		return nil, err
	}
	if kind == upload.PostURLEncoded {
		return dec.DecodeURLEncoded(cmd.Context(), body)
	}
	return dec.Decode(cmd.Context(), multipart.NewReader(body, boundary))
}

func openInput(cmd *cobra.Command, name string) (io.Reader, func(), error) {
	if name == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func newDeriveCmd() *cobra.Command {
	var (
		root       string
		thresholds []int
	)
	cmd := &cobra.Command{
		Use:   "derive <relative-path>...",
		Short: "Render thumbnails and the full-size copy for stored originals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if root != "" {
				cfg.UploadRoot = root
			}
			if len(thresholds) > 0 {
				cfg.Thresholds = thresholds
			}
			pipeline := imaging.New(cfg.UploadRoot,
				imaging.WithThresholds(cfg.Thresholds...),
				imaging.WithMaxPixels(cfg.MaxPixels),
				imaging.WithLogger(logger))

			sets := make(map[string]model.DerivativeSet, len(args))
			var errs []error
			for _, rel := range args {
				set, err := pipeline.Process(cmd.Context(), rel)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", rel, err))
					continue
				}
				sets[rel] = set
			}
			if err := writeJSON(cmd.OutOrStdout(), sets); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "Upload root the paths are relative to")
	cmd.Flags().IntSliceVar(&thresholds, "thresholds", nil, "Thumbnail widths, ascending")
	return cmd
}

func newShardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Inspect sharded storage paths",
	}
	var ext string
	pathCmd := &cobra.Command{
		Use:   "path <sequence>",
		Short: "Print a fresh path for a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("sequence %q: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pathgen.New(seq).Allocate(ext))
			return nil
		},
	}
	pathCmd.Flags().StringVar(&ext, "ext", "bin", "Extension of the generated filename")

	seqCmd := &cobra.Command{
		Use:   "seq <path>",
		Short: "Print the sequence number encoded in a stored path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := pathgen.Sequence(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), seq)
			return nil
		},
	}

	nextCmd := &cobra.Command{
		Use:   "next [root]",
		Short: "Print the sequence number an allocator would resume from",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) == 1 {
				root = args[0]
			} else {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				root = cfg.UploadRoot
			}
			next, err := pathgen.Recover(root)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), next)
			return nil
		},
	}
	cmd.AddCommand(pathCmd, seqCmd, nextCmd)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
