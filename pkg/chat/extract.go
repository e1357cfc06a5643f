package chat

import (
	"os"
	"sort"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
)

// extractPDFText pulls the text of a 1-based page range out of a PDF. MuPDF
// decodes custom-font documents more reliably, so it goes first; the pure Go
// parser is the fallback when MuPDF fails or yields nothing.
func extractPDFText(path string, startIndex, endIndex int) (string, error) {
	if text, err := extractPDFWithFitz(path, startIndex, endIndex); err == nil && text != "" {
		return text, nil
	}
	return extractPDFPure(path, startIndex, endIndex)
}

func extractPDFWithFitz(path string, startIndex, endIndex int) (string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return "", err
	}
	defer doc.Close()

	totalPages := doc.NumPage()
	if totalPages <= 0 {
		return "", nil
	}
	start, end := clampPageRange(startIndex, endIndex, totalPages)

	var snippets []string
	for pageIdx := start - 1; pageIdx < end; pageIdx++ {
		text, err := doc.Text(pageIdx)
		if err != nil {
			continue
		}
		snippets = append(snippets, text)
	}
	return strings.TrimSpace(strings.Join(snippets, "\n")), nil
}

func extractPDFPure(path string, startIndex, endIndex int) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	totalPages := reader.NumPage()
	if totalPages <= 0 {
		return "", nil
	}
	start, end := clampPageRange(startIndex, endIndex, totalPages)

	var snippets []string
	for pageNum := start; pageNum <= end; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		snippets = append(snippets, text)
	}
	return strings.TrimSpace(strings.Join(snippets, "\n")), nil
}

// clampPageRange forces a requested 1-based page range into [1, totalPages]
// with end ≥ start.
func clampPageRange(startIndex, endIndex, totalPages int) (int, int) {
	start := startIndex
	if start > totalPages {
		start = totalPages
	}
	if start < 1 {
		start = 1
	}
	end := endIndex
	if end > totalPages {
		end = totalPages
	}
	if end < start {
		end = start
	}
	return start, end
}

// extractMarkdownText returns the lines covered by a node: from its line_num
// to the line before the next node that starts further down, or the end of
// the file.
func extractMarkdownText(path string, node Node, nodeMap map[string]Node) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")

	var lineNums []int
	for _, item := range nodeMap {
		if n, ok := nodeInt(item, "line_num"); ok {
			lineNums = append(lineNums, n)
		}
	}
	sort.Ints(lineNums)

	start, end := markdownBounds(node, lineNums, len(lines))
	if start > len(lines) {
		return "", nil
	}
	return strings.TrimSpace(strings.Join(lines[start-1:end], "\n")), nil
}

func markdownBounds(node Node, sortedLineNums []int, totalLines int) (int, int) {
	start, ok := nodeInt(node, "line_num")
	if !ok || start < 1 {
		start = 1
	}
	end := totalLines
	for _, candidate := range sortedLineNums {
		if candidate > start {
			end = candidate - 1
			break
		}
	}
	if end < start {
		end = start
	}
	if end > totalLines {
		end = totalLines
	}
	return start, end
}
