package nvd

// Item is one entry of the CVE_Items array of an NVD JSON 1.1 feed.
type Item struct {
	CVE              CVE            `json:"cve"`
	Configurations   Configurations `json:"configurations"`
	Impact           Impact         `json:"impact"`
	PublishedDate    string         `json:"publishedDate"`
	LastModifiedDate string         `json:"lastModifiedDate"`

	// Err is set when the entry could not be decoded. The rest of the item
	// holds whatever was recovered.
	Err error `json:"-"`
}

type CVE struct {
	CVEDataMeta CVEDataMeta `json:"CVE_data_meta"`
	Description Description `json:"description"`
}

type CVEDataMeta struct {
	ID       string `json:"ID"`
	ASSIGNER string `json:"ASSIGNER"`
}

type Description struct {
	DescriptionData []LangString `json:"description_data"`
}

type LangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type Configurations struct {
	CVEDataVersion string  `json:"CVE_data_version"`
	Nodes          []*Node `json:"nodes,omitempty"`
}

// Node is an AND/OR group of cpe_match entries and child nodes.
type Node struct {
	Operator string      `json:"operator,omitempty"`
	Negate   bool        `json:"negate,omitempty"`
	Children []*Node     `json:"children,omitempty"`
	CPEMatch []*CPEMatch `json:"cpe_match,omitempty"`
}

type CPEMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Cpe23Uri              string `json:"cpe23Uri"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
}

type Impact struct {
	BaseMetricV3 *BaseMetricV3 `json:"baseMetricV3,omitempty"`
	BaseMetricV2 *BaseMetricV2 `json:"baseMetricV2,omitempty"`
}

type BaseMetricV3 struct {
	CVSSV3              *CVSSV3 `json:"cvssV3,omitempty"`
	ExploitabilityScore float64 `json:"exploitabilityScore,omitempty"`
	ImpactScore         float64 `json:"impactScore,omitempty"`
}

type CVSSV3 struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type BaseMetricV2 struct {
	CVSSV2   *CVSSV2 `json:"cvssV2,omitempty"`
	Severity string  `json:"severity,omitempty"`
}

type CVSSV2 struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
}
