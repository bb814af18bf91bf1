package htmlutil

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText returns the text content of a node with non printable runes
// removed and runs of whitespace collapsed.
func CleanText(node *html.Node) string {
	text := GetText(node)
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = removeNonPrintable(text)
	text = strings.Trim(text, " \t\n")
	return innerWhitespace.ReplaceAllString(text, " ")
}

// TableRows returns the cell text of every row (header rows included) of the
// first table in the selection. colspan is expanded so columns stay aligned.
func TableRows(sel *goquery.Selection) [][]string {
	table := sel.Filter("table").First()
	if table.Length() == 0 {
		table = sel.Find("table").First()
	}

	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var row []string
		tr.Children().Filter("th, td").Each(func(_ int, cell *goquery.Selection) {
			text := ""
			if len(cell.Nodes) > 0 {
				text = CleanText(cell.Nodes[0])
			}
			span := 1
			if colspan, ok := cell.Attr("colspan"); ok {
				if n, err := strconv.Atoi(strings.TrimSpace(colspan)); err == nil && n > 1 && n <= 1000 {
					span = n
				}
			}
			row = append(row, text)
			for i := 1; i < span; i++ {
				row = append(row, "")
			}
		})
		if len(row) > 0 {
			rows = append(rows, row)
		}
	})
	return rows
}
