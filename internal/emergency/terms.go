package emergency

// DefaultTerms is the built-in pt-BR list. Terms are written with accents
// for readability; matching strips them from both sides.
func DefaultTerms() TermList {
	return TermList{
		Language: "pt-BR",
		Terms: []string{
			"dor no peito",
			"dor torácica",
			"aperto no peito",
			"falta de ar",
			"dificuldade para respirar",
			"não consigo respirar",
			"sufocando",
			"desmaio",
			"desmaiei",
			"desmaiou",
			"perdi a consciência",
			"convulsão",
			"convulsionando",
			"sangramento intenso",
			"sangrando muito",
			"hemorragia",
			"vomitando sangue",
			"boca torta",
			"rosto torto",
			"fala enrolada",
			"perda de força",
			"paralisia",
			"avc",
			"derrame",
			"infarto",
			"ataque cardíaco",
			"overdose",
			"envenenamento",
			"reação alérgica grave",
			"garganta fechando",
			"anafilaxia",
			"suicídio",
			"me matar",
			"tirar minha vida",
		},
		// Patterns run on normalized text: lowercase, no accents.
		Patterns: []string{
			`\bdor\b(\s+\w+){0,3}\s+(no|do|meu) peito\b`,
			`\bpeito\b(\s+\w+){0,2}\s+(doe|doendo|doi|apertando|apertado)\b`,
			`\b(sem|falta(ndo)?( o)?) ar\b`,
			`\bnao (consigo|to conseguindo|estou conseguindo) (respirar|puxar o ar)\b`,
			`\b(quero|vou|queria) morrer\b`,
			`\bnao (aguento|quero) mais viver\b`,
			`\b(acabar|terminar) com (a )?minha vida\b`,
			`\bsangr(ando|amento|ou|ei)\b(\s+\w+){0,2}\s*(muito|bastante|forte|intenso|sem parar)\b`,
			`\b(muito|bastante) sangue\b`,
			`\bfebre (de |acima de )?(4[0-9]|39[,.][5-9])\b`,
			`\b(pior|mais forte) dor de cabeca da (minha )?vida\b`,
			`\b(tomei|ingeri) (muitos|varios|todos os) (comprimidos|remedios)\b`,
		},
	}
}
