// Package patterns holds the fixed, built-in compliance detectors.
//
// Four categories of precompiled patterns — PII, security vulnerabilities,
// GDPR violations, and discriminatory logic — are scanned against submitted
// source text. The library is fixed at process start; there is no runtime
// mutation. Matching is textual only: no parsing, no language awareness.
//
// Matching is case-sensitive except where a pattern carries (?i); the
// credential/secret detectors and the natural-language GDPR and
// discrimination detectors are case-insensitive because the things they
// look for appear in arbitrary casing.
package patterns

import "regexp"

// Category names one of the built-in detector sets.
type Category string

const (
	CategoryPII            Category = "pii"
	CategoryVulnerability  Category = "vulnerabilities"
	CategoryGDPR           Category = "gdpr"
	CategoryDiscrimination Category = "discrimination"
)

// Categories returns all built-in categories in scan order.
func Categories() []Category {
	return []Category{CategoryPII, CategoryVulnerability, CategoryGDPR, CategoryDiscrimination}
}

// pattern is one named detector. The ID is what callers see in results;
// the regex is an implementation detail.
type pattern struct {
	id string
	re *regexp.Regexp
}

// library maps each category to its ordered detector list. Built once at
// init; Scan results follow this order.
var library = map[Category][]pattern{
	CategoryPII: {
		{"pii.ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"pii.credit_card", regexp.MustCompile(`\b\d{16}\b`)},
		{"pii.email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
		{"pii.phone", regexp.MustCompile(`\b\d{10}\b`)},
		{"pii.passport", regexp.MustCompile(`(?i)passport\s*number\s*[:=]\s*['"]?\w+['"]?`)},
		{"pii.address", regexp.MustCompile(`(?i)address\s*[:=]\s*['"]?.+['"]?`)},
		{"pii.pan", regexp.MustCompile(`\b[A-Z]{5}[0-9]{4}[A-Z]\b`)},
		{"pii.gstin", regexp.MustCompile(`\b\d{2}[A-Z]{5}\d{4}[A-Z]\d[Z][A-Z0-9]\b`)},
	},
	CategoryVulnerability: {
		{"vuln.eval", regexp.MustCompile(`eval\s*\(`)},
		{"vuln.exec", regexp.MustCompile(`exec\s*\(`)},
		{"vuln.subprocess", regexp.MustCompile(`subprocess\.Popen`)},
		{"vuln.os_system", regexp.MustCompile(`os\.system`)},
		{"vuln.pickle_load", regexp.MustCompile(`pickle\.load`)},
		{"vuln.yaml_load", regexp.MustCompile(`yaml\.load\(`)},
		{"vuln.input", regexp.MustCompile(`input\s*\(`)},
		{"vuln.md5", regexp.MustCompile(`md5\(`)},
		{"vuln.sha1", regexp.MustCompile(`sha1\(`)},
		{"vuln.weak_random", regexp.MustCompile(`random\.random\(`)},
		{"vuln.base64_import", regexp.MustCompile(`import\s+base64`)},
		{"vuln.hardcoded_password", regexp.MustCompile(`(?i)password\s*=\s*['"].+['"]`)},
		{"vuln.hardcoded_passwd", regexp.MustCompile(`(?i)passwd\s*=\s*['"].+['"]`)},
		{"vuln.hardcoded_secret", regexp.MustCompile(`(?i)secret\s*=\s*['"].+['"]`)},
		{"vuln.hardcoded_api_key", regexp.MustCompile(`(?i)api[_-]?key\s*=\s*['"].+['"]`)},
		{"vuln.hardcoded_token", regexp.MustCompile(`(?i)token\s*=\s*['"].+['"]`)},
		{"vuln.hardcoded_access_key", regexp.MustCompile(`(?i)access[_-]?key\s*=\s*['"].+['"]`)},
	},
	CategoryGDPR: {
		{"gdpr.export_personal_data", regexp.MustCompile(`(?i)export.*personal.*data`)},
		{"gdpr.delete_user_data", regexp.MustCompile(`(?i)delete.*user.*data`)},
		{"gdpr.transfer_user_data", regexp.MustCompile(`(?i)transfer.*user.*data`)},
		{"gdpr.missing_consent", regexp.MustCompile(`(?i)without.*consent`)},
		{"gdpr.biometric_storage", regexp.MustCompile(`(?i)store.*biometric`)},
	},
	CategoryDiscrimination: {
		{"discrimination.protected_attribute_branch", regexp.MustCompile(`(?i)if.*(gender|race|ethnicity|religion|age|disability|pregnan(cy|t)).*==`)},
		{"discrimination.protected_attribute_loop", regexp.MustCompile(`(?i)for.*(gender|race|ethnicity|religion|age|disability|pregnan(cy|t)).*in`)},
		{"discrimination.demographic_literal", regexp.MustCompile(`(?i)(male|female|black|white|asian|hispanic|muslim|christian|jewish|hindu|atheist)`)},
	},
}

// Scan checks text against every detector in the category and returns the
// IDs of the ones that matched, in library order, each at most once. An
// unknown category yields nil; scanning never fails.
func Scan(category Category, text string) []string {
	var matched []string
	for _, p := range library[category] {
		if p.re.MatchString(text) {
			matched = append(matched, p.id)
		}
	}
	return matched
}
