package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))

		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[\"%s: %s\"]\n",
				mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label)
			for _, subNode := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(subNode))
			}
			for _, edge := range sg.Edges {
				fmt.Fprintf(&b, "        %s\n", mermaidEdge(edge))
			}
			b.WriteString("    end\n")
			if len(sg.Nodes) > 0 {
				fmt.Fprintf(&b, "    %s -.-> %s\n", mermaidSafeID(node.ID), mermaidSafeID(sg.Nodes[0].ID))
			}
		}
	}

	var taken []int
	for i, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s\n", mermaidEdge(edge))
		if edge.Taken {
			taken = append(taken, i)
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	// Link indexes count subgraph edges and iterator links first.
	if len(taken) > 0 {
		offset := 0
		for _, node := range model.Nodes {
			for _, sg := range node.Children {
				offset += len(sg.Edges)
				if len(sg.Nodes) > 0 {
					offset++
				}
			}
		}
		idx := make([]string, len(taken))
		for i, t := range taken {
			idx[i] = fmt.Sprint(offset + t)
		}
		fmt.Fprintf(&b, "    linkStyle %s stroke-width:3px\n", strings.Join(idx, ","))
	}

	return b.String()
}

func mermaidEdge(edge Edge) string {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
	}
	return fmt.Sprintf("%s -->%s %s", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindSwitch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindIterator:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindRoute, NodeKindEmit:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel strips characters that end a Mermaid label.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "'", "|", "/")
	return r.Replace(s)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "skipped":
		return status
	default:
		return ""
	}
}
