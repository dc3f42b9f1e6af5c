package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ossx/ossx/internal/client"
)

func newSelectCmd(a *app) *cobra.Command {
	var (
		format     string
		jsonType   string
		headerInfo string
		fieldDelim string
		lineRange  string
		splitRange string
		compress   string
		raw        bool
		output     string
	)

	cmd := &cobra.Command{
		Use:   "select KEY SQL",
		Short: "Run a SELECT query over a CSV or JSON object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := &client.SelectOptions{
				Format:          client.SelectFormat(strings.ToLower(format)),
				JSONType:        jsonType,
				FileHeaderInfo:  headerInfo,
				FieldDelimiter:  fieldDelim,
				CompressionType: compress,
				OutputRawData:   raw,
			}
			var err error
			if lineRange != "" {
				if opts.LineRange, err = parseRange(lineRange); err != nil {
					return err
				}
			}
			if splitRange != "" {
				if opts.SplitRange, err = parseRange(splitRange); err != nil {
					return err
				}
			}

			if output != "" {
				_, err := a.bucket.SelectObjectToFile(ctx, args[0], output, args[1], opts)
				return err
			}

			res, err := a.bucket.SelectObject(ctx, args[0], args[1], opts)
			if err != nil {
				return err
			}
			defer res.Close()
			_, err = io.Copy(cmd.OutOrStdout(), res.Reader(ctx))
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "csv", "Input format: csv or json")
	f.StringVar(&jsonType, "json-type", client.JSONDocument, "JSON input type: DOCUMENT or LINES")
	f.StringVar(&headerInfo, "header-info", "", "CSV header handling: None, Ignore or Use")
	f.StringVar(&fieldDelim, "field-delimiter", "", "CSV field delimiter")
	f.StringVar(&lineRange, "line-range", "", "Query only lines START-END")
	f.StringVar(&splitRange, "split-range", "", "Query only splits START-END")
	f.StringVar(&compress, "compression", "", "Input compression: NONE or GZIP")
	f.BoolVar(&raw, "raw", false, "Ask for unframed output")
	f.StringVarP(&output, "output", "o", "", "Write the result to a file instead of stdout")
	return cmd
}

func newSelectMetaCmd(a *app) *cobra.Command {
	var (
		format    string
		jsonType  string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "select-meta KEY",
		Short: "Build SELECT metadata for an object and print its row, split and column counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.bucket.CreateSelectObjectMeta(cmd.Context(), args[0], &client.SelectMetaOptions{
				Format:            client.SelectFormat(strings.ToLower(format)),
				JSONType:          jsonType,
				OverwriteIfExists: overwrite,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rows=%d splits=%d columns=%d\n", res.Rows, res.Splits, res.Columns)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "csv", "Input format: csv or json")
	f.StringVar(&jsonType, "json-type", client.JSONLines, "JSON input type, only LINES supports metadata")
	f.BoolVar(&overwrite, "overwrite", false, "Rebuild existing metadata")
	return cmd
}
