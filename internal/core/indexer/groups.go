package indexer

import (
	"github.com/markdave123-py/docindex/internal/models"
)

func isList(m *models.Match) bool {
	return models.BlockType(m.BlockType).IsListItem()
}

// LinkGroups fills child_idxs, group_type and parent_text in one forward
// pass. Table-cell matches are not traversed. When two rules assign a
// parent_text to the same match, the later parent in document order wins.
func LinkGroups(matches []models.Match) {
	var idx []int
	for i := range matches {
		if matches[i].GroupType == "" {
			matches[i].GroupType = models.GroupSingle
		}
		if matches[i].BlockType != string(models.BlockTableCell) {
			idx = append(idx, i)
		}
	}

	at := func(pos int) *models.Match { return &matches[idx[pos]] }
	link := func(parent, child *models.Match) {
		parent.ChildIdxs = append(parent.ChildIdxs, child.ID)
	}

	for pos := range idx {
		m := at(pos)
		switch {
		case m.BlockType == string(models.BlockHeader):
			linkFromHeader(m, pos, len(idx), at, link)

		case m.BlockType == string(models.BlockPara):
			// evaluate once, at the last sentence of the paragraph
			if pos+1 >= len(idx) || at(pos+1).BlockIdx == m.BlockIdx {
				continue
			}
			next := at(pos + 1)
			switch {
			case next.BlockType == string(models.BlockTable):
				link(m, next)
				m.GroupType = models.GroupTable
			case isList(next):
				for j := pos + 1; j < len(idx) && isList(at(j)) && at(j).Level >= next.Level; j++ {
					if c := at(j); c.Level == next.Level {
						link(m, c)
						c.ParentText = m.BlockText
					}
				}
				m.GroupType = models.GroupListItem
			}

		case isList(m):
			m.GroupType = models.GroupListItem
			for j := pos + 1; j < len(idx); j++ {
				c := at(j)
				if !isList(c) || c.Level <= m.Level {
					break
				}
				if c.Level == m.Level+1 {
					link(m, c)
					c.ParentText = m.BlockText
				}
			}

		case m.BlockType == string(models.BlockTable):
			m.GroupType = models.GroupTable
		}
	}
}

func linkFromHeader(h *models.Match, pos, n int, at func(int) *models.Match, link func(p, c *models.Match)) {
	for j := pos + 1; j < n; j++ {
		c := at(j)
		if c.Level <= h.Level {
			return
		}
		if c.Level != h.Level+1 {
			continue
		}
		switch {
		case c.BlockType == string(models.BlockHeader):
			link(h, c)
			h.GroupType = models.GroupHeaderSummary
		case c.BlockType == string(models.BlockTable):
			link(h, c)
			h.GroupType = models.GroupTable
		case isList(c):
			for k := j; k < n; k++ {
				item := at(k)
				if !isList(item) || item.Level <= h.Level {
					break
				}
				if item.Level == h.Level+1 {
					link(h, item)
					item.ParentText = h.MatchText
				}
			}
			h.GroupType = models.GroupListItem
		default:
			// para or plain row: link every sentence of that block
			for k := j; k < n && at(k).BlockIdx == c.BlockIdx && at(k).BlockType == c.BlockType; k++ {
				link(h, at(k))
			}
			h.GroupType = models.GroupHeaderSummary
		}
		return
	}
}
