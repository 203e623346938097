package config

import (
	"fmt"
	"sort"
	"strings"
)

// DataNode is an actual table in a data source.
type DataNode struct {
	DataSourceName string
	TableName      string
}

// ParseDataNode parses "ds_0.t_order_0".
func ParseDataNode(s string) (DataNode, error) {
	ds, table, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || ds == "" || table == "" || strings.Contains(table, ".") {
		return DataNode{}, fmt.Errorf("invalid data node %q, expected <data source>.<table>", s)
	}
	return DataNode{DataSourceName: ds, TableName: table}, nil
}

func (n DataNode) String() string {
	return n.DataSourceName + "." + n.TableName
}

// JobDataNodeEntry is the data nodes backing one logic table.
type JobDataNodeEntry struct {
	LogicTable string
	DataNodes  []DataNode
}

func (e JobDataNodeEntry) String() string {
	nodes := make([]string, len(e.DataNodes))
	for i, n := range e.DataNodes {
		nodes[i] = n.String()
	}
	return e.LogicTable + ":" + strings.Join(nodes, ",")
}

// JobDataNodeLine lists the entries of one sharding item. Its text form is
// "t_order:ds_0.t_order_0,ds_0.t_order_1|t_item:ds_0.t_item_0".
type JobDataNodeLine []JobDataNodeEntry

func (l JobDataNodeLine) String() string {
	parts := make([]string, len(l))
	for i, e := range l {
		parts[i] = e.String()
	}
	return strings.Join(parts, "|")
}

// ParseJobDataNodeLine is the inverse of JobDataNodeLine.String.
func ParseJobDataNodeLine(s string) (JobDataNodeLine, error) {
	if s == "" {
		return nil, nil
	}
	var line JobDataNodeLine
	for _, part := range strings.Split(s, "|") {
		logic, nodesText, ok := strings.Cut(part, ":")
		if !ok || logic == "" || nodesText == "" {
			return nil, fmt.Errorf("invalid data node entry %q", part)
		}
		entry := JobDataNodeEntry{LogicTable: logic}
		for _, nodeText := range strings.Split(nodesText, ",") {
			node, err := ParseDataNode(nodeText)
			if err != nil {
				return nil, err
			}
			entry.DataNodes = append(entry.DataNodes, node)
		}
		line = append(line, entry)
	}
	return line, nil
}

// DataSourceNames returns the distinct data source names of the line.
func (l JobDataNodeLine) DataSourceNames() []string {
	seen := map[string]struct{}{}
	for _, e := range l {
		for _, n := range e.DataNodes {
			seen[n.DataSourceName] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupByDataSource turns logic table -> data nodes into one line per
// data source, sorted by data source name. Each line becomes a sharding item.
func GroupByDataSource(nodes map[string][]DataNode) []JobDataNodeLine {
	byDS := map[string]map[string][]DataNode{}
	for logic, list := range nodes {
		for _, n := range list {
			if byDS[n.DataSourceName] == nil {
				byDS[n.DataSourceName] = map[string][]DataNode{}
			}
			byDS[n.DataSourceName][logic] = append(byDS[n.DataSourceName][logic], n)
		}
	}
	dsNames := make([]string, 0, len(byDS))
	for name := range byDS {
		dsNames = append(dsNames, name)
	}
	sort.Strings(dsNames)
	lines := make([]JobDataNodeLine, 0, len(dsNames))
	for _, ds := range dsNames {
		logics := make([]string, 0, len(byDS[ds]))
		for logic := range byDS[ds] {
			logics = append(logics, logic)
		}
		sort.Strings(logics)
		var line JobDataNodeLine
		for _, logic := range logics {
			line = append(line, JobDataNodeEntry{LogicTable: logic, DataNodes: byDS[ds][logic]})
		}
		lines = append(lines, line)
	}
	return lines
}
