package ir

import "encoding/xml"

type xmlNet struct {
	XMLName xml.Name   `xml:"net"`
	Name    string     `xml:"name,attr"`
	Version int        `xml:"version,attr"`
	Layers  []xmlLayer `xml:"layers>layer"`
	Edges   []xmlEdge  `xml:"edges>edge"`
}

type xmlLayer struct {
	ID      int       `xml:"id,attr"`
	Name    string    `xml:"name,attr"`
	Type    string    `xml:"type,attr"`
	Data    xmlData   `xml:"data"`
	Inputs  []xmlPort `xml:"input>port"`
	Outputs []xmlPort `xml:"output>port"`
}

// xmlData 收集 <data .../> 上的全部属性，各 layer 类型的参数不固定
type xmlData struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type xmlPort struct {
	ID        int    `xml:"id,attr"`
	Precision string `xml:"precision,attr"`
	Dims      []int  `xml:"dim"`
}

type xmlEdge struct {
	FromLayer int `xml:"from-layer,attr"`
	FromPort  int `xml:"from-port,attr"`
	ToLayer   int `xml:"to-layer,attr"`
	ToPort    int `xml:"to-port,attr"`
}
