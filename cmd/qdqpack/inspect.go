package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qdqpack/internal/compiler"
	"github.com/samcharles93/qdqpack/internal/logger"
	"github.com/samcharles93/qdqpack/pkg/blob"
	"github.com/samcharles93/qdqpack/pkg/layout"
	"github.com/samcharles93/qdqpack/pkg/qpk"
)

func inspectCmd() *cli.Command {
	var (
		showSections bool
		showHeaders  bool
		coeffsOf     string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a .qpk container",
		ArgsUsage: "<file.qpk>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sections", Usage: "show the section directory", Destination: &showSections},
			&cli.BoolFlag{Name: "headers", Usage: "decode the RTP header words of every operator", Destination: &showHeaders},
			&cli.StringFlag{Name: "coeffs", Usage: "print the coefficients of one operator as JSON", Destination: &coeffsOf},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("error: inspect needs a .qpk path", 1)
			}
			f, err := qpk.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			m, err := compiler.ReadManifest(f)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if coeffsOf != "" {
				return printCoeffs(w, m, coeffsOf)
			}

			_, _ = fmt.Fprintf(w, "QPK %d.%d  %s  model %s  layout v%d\n",
				f.Header.Major, f.Header.Minor, logger.FormatBytes(int64(f.Header.FileSize)),
				orDash(m.ModelVersion), m.LayoutVersion)
			_, _ = fmt.Fprintf(w, "weights %s  rtp %s\n\n",
				logger.FormatBytes(int64(m.WeightRegionSize)), logger.FormatBytes(int64(m.RTPRegionSize)))

			if showSections {
				renderSections(w, f)
				_, _ = fmt.Fprintln(w)
			}
			renderOps(w, m)
			if showHeaders {
				_, _ = fmt.Fprintln(w)
				return renderHeaders(w, f, m)
			}
			return nil
		},
	}
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoFormatHeaders(false)
	return table
}

func renderSections(w io.Writer, f *qpk.File) {
	table := newTable(w, []string{"SECTION", "OFFSET", "SIZE"})
	for _, s := range f.Sections {
		table.Append([]string{
			qpk.SectionType(s.Type).String(),
			strconv.FormatUint(s.Offset, 10),
			strconv.FormatUint(s.Size, 10),
		})
	}
	table.Render()
}

func renderOps(w io.Writer, m *compiler.Manifest) {
	table := newTable(w, []string{"NAME", "KIND", "LAYER", "WEIGHT OFF", "WEIGHT SIZE", "RTP OFF", "SWAP"})
	for _, op := range m.Ops {
		rtp := "-"
		if op.Placement.RTPOffset >= 0 {
			rtp = strconv.Itoa(op.Placement.RTPOffset)
		}
		table.Append([]string{
			op.Name,
			op.Kind,
			strconv.Itoa(op.Layer),
			strconv.Itoa(op.Placement.WeightOffset),
			strconv.Itoa(op.Placement.WeightSize),
			rtp,
			orDash(op.SwappedWith),
		})
	}
	table.Render()
}

// renderHeaders prints the header bytes as stored, so swapped pairs show each
// other's words.
func renderHeaders(w io.Writer, f *qpk.File, m *compiler.Manifest) error {
	weights := f.SectionData(qpk.SectionWeights)
	rtp := f.SectionData(qpk.SectionRTP)

	header := []string{"NAME"}
	for i := range layout.RTPHeaderSize / 4 {
		header = append(header, "W"+strconv.Itoa(i))
	}
	table := newTable(w, header)
	for _, op := range m.Ops {
		region, off := weights, op.Placement.WeightOffset
		if op.Placement.RTPOffset >= 0 {
			region, off = rtp, op.Placement.RTPOffset
		}
		if off < 0 || off+layout.RTPHeaderSize > len(region) {
			return fmt.Errorf("inspect: %s: header at %d outside a %d-byte region", op.Name, off, len(region))
		}
		h, err := blob.ParseRTPHeader(region[off : off+layout.RTPHeaderSize])
		if err != nil {
			return err
		}
		row := []string{op.Name}
		for _, word := range h {
			row = append(row, strconv.FormatUint(uint64(word), 10))
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func printCoeffs(w io.Writer, m *compiler.Manifest, name string) error {
	for _, op := range m.Ops {
		if op.Name != name {
			continue
		}
		out, err := json.MarshalIndent(op.Coeffs, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}
	return cli.Exit(fmt.Sprintf("error: no operator %q in manifest", name), 1)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
