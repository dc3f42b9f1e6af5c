package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ossx/ossx/internal/client"
	"github.com/ossx/ossx/internal/storage"
)

func newGetCmd(a *app) *cobra.Command {
	var byteRange string

	cmd := &cobra.Command{
		Use:   "get KEY [FILE]",
		Short: "Download an object to a file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := &client.GetOptions{}
			if byteRange != "" {
				r, err := parseRange(byteRange)
				if err != nil {
					return err
				}
				opts.Range = r
			}

			if len(args) == 2 {
				res, err := a.bucket.GetObjectToFile(ctx, args[0], args[1], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s -> %s (%d bytes)\n", args[0], args[1], res.ContentLength)
				return nil
			}

			res, err := a.bucket.GetObject(ctx, args[0], opts)
			if err != nil {
				return err
			}
			defer res.Close()
			_, err = io.Copy(cmd.OutOrStdout(), res.Reader(ctx))
			return err
		},
	}
	cmd.Flags().StringVar(&byteRange, "range", "", "Byte range START-END or START-")
	return cmd
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put FILE KEY",
		Short: "Upload a file, in parts when it exceeds the part size",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := storage.NewOSSStorage(a.bucket, storage.MultipartUploadConfig{
				PartSize:    a.cfg.Transfer.PartSize,
				Concurrency: a.cfg.Transfer.Concurrency,
			}, a.logger)
			etag, err := st.UploadMultipart(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[1], etag)
			return nil
		},
	}
}

func newHeadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "head KEY",
		Short: "Show object metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.bucket.HeadObject(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Key:\t%s\n", args[0])
			fmt.Fprintf(w, "Content-Length:\t%d\n", res.ContentLength)
			fmt.Fprintf(w, "Content-Type:\t%s\n", res.ContentType)
			fmt.Fprintf(w, "ETag:\t%s\n", res.ETag)
			fmt.Fprintf(w, "Last-Modified:\t%s\n", res.LastModified.Format(time.RFC3339))
			fmt.Fprintf(w, "Object-Type:\t%s\n", res.ObjectType)
			if res.HasCRC {
				fmt.Fprintf(w, "CRC64:\t%d\n", res.ServerCRC)
			}
			metaKeys := make([]string, 0, len(res.Meta))
			for k := range res.Meta {
				metaKeys = append(metaKeys, k)
			}
			sort.Strings(metaKeys)
			for _, k := range metaKeys {
				fmt.Fprintf(w, "Meta-%s:\t%s\n", k, res.Meta[k])
			}
			return w.Flush()
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm KEY...",
		Short: "Delete one or more objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				_, err := a.bucket.DeleteObject(cmd.Context(), args[0])
				return err
			}
			res, err := a.bucket.BatchDeleteObjects(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, k := range res.DeletedKeys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	var (
		delimiter string
		maxKeys   int
	)

	cmd := &cobra.Command{
		Use:   "ls [PREFIX]",
		Short: "List objects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			it := a.bucket.NewObjectIterator(prefix, delimiter, maxKeys)
			for {
				e, err := it.Next(cmd.Context())
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if e.IsPrefix {
					fmt.Fprintf(w, "PRE\t\t%s\n", e.Key)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", e.LastModified.Format(time.RFC3339), e.Size, e.Key)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&delimiter, "delimiter", "d", "", "Group keys sharing a prefix up to this delimiter")
	cmd.Flags().IntVar(&maxKeys, "max-keys", 1000, "Page size")
	return cmd
}

func newBatchGetCmd(a *app) *cobra.Command {
	var (
		dir         string
		concurrency int
		maxCache    int64
	)

	cmd := &cobra.Command{
		Use:   "batch-get KEY...",
		Short: "Download many objects in parallel, skipping ones already in the directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("concurrency") {
				concurrency = a.cfg.Transfer.Concurrency
			}
			st := storage.NewOSSStorage(a.bucket, storage.MultipartUploadConfig{}, a.logger)
			d := storage.NewBatchDownloader(st, concurrency, dir, a.logger)
			if maxCache > 0 {
				cache := storage.NewFileCache(maxCache)
				if err := cache.Scan(dir); err != nil {
					return err
				}
				d.SetCache(cache)
			}

			res, err := d.Download(cmd.Context(), &storage.BatchRequest{Keys: args})
			if err != nil {
				return err
			}
			for _, k := range args {
				if p, ok := res.LocalPaths[k]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", k, p)
				}
			}
			if len(res.Errors) > 0 {
				for k, e := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", k, e)
				}
				return fmt.Errorf("%d of %d downloads failed", len(res.Errors), len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Destination directory")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel downloads (default from config)")
	cmd.Flags().Int64Var(&maxCache, "max-cache-bytes", 0, "Evict least recently used files in --dir beyond this size")
	return cmd
}

// parseRange parses START-END or START-.
func parseRange(s string) (*client.Range, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("invalid range %q: expected START-END", s)
	}
	r := &client.Range{End: -1}
	var err error
	if r.Start, err = strconv.ParseInt(start, 10, 64); err != nil || r.Start < 0 {
		return nil, fmt.Errorf("invalid range start %q", start)
	}
	if end != "" {
		if r.End, err = strconv.ParseInt(end, 10, 64); err != nil || r.End < r.Start {
			return nil, fmt.Errorf("invalid range end %q", end)
		}
	}
	return r, nil
}
