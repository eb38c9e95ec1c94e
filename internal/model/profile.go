package model

// Profile はSPAが描画する静的なプロフィールコンテンツ。
type Profile struct {
	Nav       []NavItem `json:"nav"`
	Hero      Hero      `json:"hero"`
	Expertise Expertise `json:"expertise"`
	Contact   Contact   `json:"contact"`
}

// NavItem はナビゲーションのリンク。
type NavItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Hero はトップセクション。
type Hero struct {
	Badge          string   `json:"badge"`
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle"`
	Actions        []string `json:"actions"`
	PortraitLabel  string   `json:"portrait_label"`
	PortraitByline string   `json:"portrait_byline"`
}

// Expertise は専門領域のセクション。
type Expertise struct {
	Title   string   `json:"title"`
	Pillars []Pillar `json:"pillars"`
}

// Pillar は専門領域の柱の1つ。
type Pillar struct {
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Contact は問い合わせセクション。
type Contact struct {
	Heading  string `json:"heading"`
	Text     string `json:"text"`
	Email    string `json:"email"`
	MailTo   string `json:"mailto"`
	Label    string `json:"label"`
	LinkedIn string `json:"linkedin"`
}

// DefaultProfile はサイトのプロフィールコンテンツを返す。
func DefaultProfile() Profile {
	return Profile{
		Nav: []NavItem{
			{ID: "overview", Label: "Overview"},
			{ID: "expertise", Label: "Strategic Synthesis"},
			{ID: "blog", Label: "The Thought Lab"},
			{ID: "contact", Label: "Connect"},
		},
		Hero: Hero{
			Badge:          "Thinker · Technologist · Ethicist",
			Title:          "Strategic Synthesis for Total System Value.",
			Subtitle:       "Integrating Philosophy, MSIT, and MSHA-I to manage the interdependence of technology, psychology, and logic in high-stakes healthcare and AI environments.",
			Actions:        []string{"Strategic Competencies", "View Analysis"},
			PortraitLabel:  "Architecture",
			PortraitByline: "Inquiry · Systems · Outcomes",
		},
		Expertise: Expertise{
			Title: "Systematic Competency",
			Pillars: []Pillar{
				{
					Title:       "Philosophy & Logic",
					Subtitle:    "The Theory of Knowledge",
					Description: "Interrogating the foundations of inquiry and human behavior to establish stable, ethical frameworks, utilizing the Veil of Ignorance, to ensure equitable system architecture.",
					Tags:        []string{"Epistemology", "Predictive Ethics", "Logic"},
				},
				{
					Title:       "MSIT & Explainable AI",
					Subtitle:    "Systems Integrity",
					Description: "Architecting transparent neural networks and XAI workflows that prioritize accountability, reducing variation between machine output and human intent.",
					Tags:        []string{"Explainable AI (XAI)", "Recursive Prompting", "CER Framework"},
				},
				{
					Title:       "MSHA-I & Health Governance",
					Subtitle:    "Master of Health Admin",
					Description: "Managing the interdependence of clinical informatics and operational performance to ensure high-fidelity outcomes in patient-centric systems.",
					Tags:        []string{"Clinical Outcomes", "Data Integrity", "Strategy"},
				},
			},
		},
		Contact: Contact{
			Heading:  "Initiate Analysis.",
			Text:     "Available for strategic consultations in AI Governance, Health Systems Architecture, and Philosophical Logic.",
			Email:    "contact@beverlyvanreenan.com",
			MailTo:   "mailto:contact@beverlyvanreenan.com",
			Label:    "Professional Inquiry",
			LinkedIn: "https://www.linkedin.com/in/beverly-vanreenan",
		},
	}
}
