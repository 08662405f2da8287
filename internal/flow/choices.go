package flow

import (
	"strings"
)

// Choice is one entry of a fixed option list.
type Choice struct {
	Code  string
	Label string
}

// SexChoices are matched by the first letter of the answer.
var SexChoices = []Choice{
	{Code: "H", Label: "Homme"},
	{Code: "F", Label: "Femme"},
}

// MaritalStatusChoices are matched by first letter, first match in this order.
var MaritalStatusChoices = []Choice{
	{Code: "C", Label: "Célibataire"},
	{Code: "M", Label: "Marié(e)"},
	{Code: "D", Label: "Divorcé(e)"},
	{Code: "V", Label: "Veuf(ve)"},
	{Code: "U", Label: "Union libre"},
}

// Districts is the gazetteer of Kinshasa communes accepted at the district step.
var Districts = []string{
	"Barumbu",
	"Bumbu",
	"Kalamu",
	"Kasa-Vubu",
	"Kinshasa",
	"Kintambo",
	"Lingwala",
	"Gombe",
	"Ngaliema",
	"Mont Ngafula",
	"Lemba",
	"Ngaba",
	"Matete",
	"Kisenso",
	"Kimbanseke",
	"Nsele",
	"Maluku",
	"Masina",
	"Ndjili",
	"N’djili",
	"Limete",
	"Selembao",
	"Makala",
	"Kasavubu",
	"Bandalungwa",
}

// LanguageChoices are matched by code or by full label.
var LanguageChoices = []Choice{
	{Code: "fr", Label: "Français"},
	{Code: "ln", Label: "Lingala"},
	{Code: "sw", Label: "Swahili"},
	{Code: "en", Label: "Anglais"},
	{Code: "kg", Label: "Kikongo"},
	{Code: "ts", Label: "Tshiluba"},
}

// LanguageLabel returns the label for a language code, or the code itself.
func LanguageLabel(code string) string {
	for _, c := range LanguageChoices {
		if c.Code == code {
			return c.Label
		}
	}
	return code
}

// SexLabel returns the label for a sex code, or the code itself.
func SexLabel(code string) string {
	for _, c := range SexChoices {
		if c.Code == code {
			return c.Label
		}
	}
	return code
}

func joinLabels(choices []Choice, sep string) string {
	labels := make([]string, len(choices))
	for i, c := range choices {
		labels[i] = c.Label
	}
	return strings.Join(labels, sep)
}

func bulletList(items []string) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}

func codedList(choices []Choice) string {
	items := make([]string, len(choices))
	for i, c := range choices {
		items[i] = c.Code + ": " + c.Label
	}
	return bulletList(items)
}
