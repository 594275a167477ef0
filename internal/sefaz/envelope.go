package sefaz

import "encoding/xml"

// Wire envelopes for the authority's XML protocol. Every response carries a
// numeric cStat and a human-readable xMotivo; authorization-style responses
// additionally carry the protocol number nProt.

type healthQuery struct {
	XMLName xml.Name `xml:"consStatServ"`
	Version string   `xml:"versao,attr"`
	UF      string   `xml:"cUF"`
}

type healthResult struct {
	XMLName xml.Name `xml:"retConsStatServ"`
	CStat   int      `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
}

type submitRequest struct {
	XMLName     xml.Name `xml:"enviDoc"`
	Version     string   `xml:"versao,attr"`
	AccessKey   string   `xml:"chAcesso"`
	IssuerTaxID string   `xml:"emitCNPJ"`
	Model       string   `xml:"mod"`
	Series      int      `xml:"serie"`
	Number      int64    `xml:"nDoc"`
	IssuedAt    string   `xml:"dhEmi"`
	Signature   string   `xml:"assinatura"`
}

type submitResult struct {
	XMLName xml.Name `xml:"retEnviDoc"`
	CStat   int      `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	NProt   string   `xml:"nProt"`
}

type statusQuery struct {
	XMLName   xml.Name `xml:"consSitDoc"`
	Version   string   `xml:"versao,attr"`
	AccessKey string   `xml:"chAcesso"`
}

type statusResult struct {
	XMLName xml.Name `xml:"retConsSitDoc"`
	CStat   int      `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	NProt   string   `xml:"nProt"`
}

type cancelEvent struct {
	XMLName       xml.Name `xml:"envEvento"`
	Version       string   `xml:"versao,attr"`
	AccessKey     string   `xml:"chAcesso"`
	NProt         string   `xml:"nProt"`
	Justification string   `xml:"xJust"`
	Signature     string   `xml:"assinatura"`
}

type cancelResult struct {
	XMLName xml.Name `xml:"retEnvEvento"`
	CStat   int      `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	NProt   string   `xml:"nProt"`
}

type voidRangeRequest struct {
	XMLName       xml.Name `xml:"inutDoc"`
	Version       string   `xml:"versao,attr"`
	IssuerTaxID   string   `xml:"emitCNPJ"`
	Model         string   `xml:"mod"`
	Series        int      `xml:"serie"`
	FirstNumber   int64    `xml:"nDocIni"`
	LastNumber    int64    `xml:"nDocFim"`
	Justification string   `xml:"xJust"`
	Signature     string   `xml:"assinatura"`
}

type voidRangeResult struct {
	XMLName xml.Name `xml:"retInutDoc"`
	CStat   int      `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	NProt   string   `xml:"nProt"`
}
