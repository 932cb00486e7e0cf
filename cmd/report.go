package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dhcgn/mail-sanitizer/config"
	"github.com/dhcgn/mail-sanitizer/convert"
	"github.com/dhcgn/mail-sanitizer/mbox"
	"github.com/dhcgn/mail-sanitizer/model"
	"github.com/dhcgn/mail-sanitizer/stats"
)

var (
	reportDir string
	topN      int
)

var tagRe = regexp.MustCompile(`\[[A-Z_]+\]`)

var reportCmd = &cobra.Command{
	Use:   "report [mbox or eml file]",
	Short: "Sanitize one source in memory and show redaction and thread statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		cfg, err := config.LoadReportConfig(cmd, path)
		if err != nil {
			return err
		}
		kind, ok := mbox.KindOf(path)
		if !ok {
			return fmt.Errorf("%w: %s", mbox.ErrUnsupportedSource, filepath.Base(path))
		}
		src := model.Source{Path: path, Kind: kind}

		logger, cleanup, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
			_ = cleanup()
		}()

		total, err := mbox.CountMessages(src)
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		fmt.Printf("Analyzing %s (%d messages)\n\n", path, total)

		collector := stats.NewCollector()
		conv, err := newConverter(cmd.Context(), cfg, logger, collector.Apply)
		if err != nil {
			return err
		}

		data, err := buildReport(cmd, conv, src)
		if err != nil {
			return err
		}
		printReport(os.Stdout, data, collector.Snapshot(), topN)

		if err := saveCSVReports(data, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Printf("\nReports saved to directory: %s\n", reportDir)
		logger.Debug("report finished", zap.String("source", filepath.Base(path)))
		return nil
	},
}

func init() {
	if err := config.RegisterFlags(reportCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register report flags: %v\n", err)
		os.Exit(1)
	}
	reportCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	reportCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	rootCmd.AddCommand(reportCmd)
}

func buildReport(cmd *cobra.Command, conv *convert.Converter, src model.Source) (reportData, error) {
	msgs, err := conv.ConvertFile(cmd.Context(), src)
	if err != nil {
		return reportData{}, err
	}
	return summarize(msgs), nil
}

// reportData only ever holds redacted values.
type reportData struct {
	Messages    int
	Replies     int
	Tags        map[string]int
	Roles       map[string]int
	Subjects    map[string]int
	ThreadSizes map[string]int
}

func summarize(msgs []model.ProcessedMessage) reportData {
	data := reportData{
		Messages:    len(msgs),
		Tags:        make(map[string]int),
		Roles:       make(map[string]int),
		Subjects:    make(map[string]int),
		ThreadSizes: make(map[string]int),
	}

	threads := make(map[string]int)
	for _, m := range msgs {
		if m.IsReply {
			data.Replies++
		}
		data.Roles[string(m.Role)]++
		data.Subjects[m.Subject]++
		threads[m.ThreadID]++
		for _, tag := range tagRe.FindAllString(m.Content, -1) {
			data.Tags[tag]++
		}
	}
	for _, size := range threads {
		data.ThreadSizes[threadSizeLabel(size)]++
	}
	return data
}

func threadSizeLabel(size int) string {
	if size == 1 {
		return "1 message"
	}
	return strconv.Itoa(size) + " messages"
}

func (d reportData) replyRatio() float64 {
	if d.Messages == 0 {
		return 0
	}
	return float64(d.Replies) / float64(d.Messages) * 100
}

func printReport(w io.Writer, data reportData, summary stats.Summary, limit int) {
	fmt.Fprintf(w, "Sanitized %d messages (filtered %d, unparsable %d, detector fallbacks %d)\n",
		summary.Processed, summary.Filtered, summary.Errors, summary.Fallbacks)
	fmt.Fprintf(w, "Replies: %d (%.2f%%)\n\n", data.Replies, data.replyRatio())

	sections := []struct {
		title  string
		counts map[string]int
	}{
		{"Redaction tags", data.Tags},
		{"Sender roles", data.Roles},
		{"Redacted subjects", data.Subjects},
		{"Thread sizes", data.ThreadSizes},
	}
	for _, s := range sections {
		fmt.Fprintf(w, "Top %d %s:\n", limit, s.title)
		stats.PrintTop(w, s.counts, limit)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(data reportData, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	reports := []struct {
		name   string
		counts map[string]int
	}{
		{"tags", data.Tags},
		{"roles", data.Roles},
		{"subjects", data.Subjects},
		{"thread_sizes", data.ThreadSizes},
	}
	var errs []error
	for _, r := range reports {
		errs = append(errs, writeCSV(filepath.Join(dir, "report_"+r.name+".csv"), r.counts, limit))
	}
	return errors.Join(errs...)
}

func writeCSV(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}

	for _, c := range stats.Top(counts, limit) {
		if err := writer.Write([]string{c.Key, strconv.Itoa(c.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
