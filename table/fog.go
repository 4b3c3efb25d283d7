package table

// Region 闭区间单元矩形
type Region struct {
	From Cell `json:"from"`
	To   Cell `json:"to"`
}

// normalize 保证 From <= To
func (r Region) normalize() Region {
	if r.From.Col > r.To.Col {
		r.From.Col, r.To.Col = r.To.Col, r.From.Col
	}
	if r.From.Row > r.To.Row {
		r.From.Row, r.To.Row = r.To.Row, r.From.Row
	}
	return r
}

// FogMask 与棋盘网格对齐的迷雾掩码，true 表示已揭示
type FogMask struct {
	ext   Extents
	cells []bool // 行优先
}

// NewFogMask 新建全隐藏的掩码
func NewFogMask(ext Extents) *FogMask {
	ext = sanitizeExtents(ext)
	return &FogMask{ext: ext, cells: make([]bool, ext.Cols*ext.Rows)}
}

func sanitizeExtents(ext Extents) Extents {
	return Extents{Cols: max(1, ext.Cols), Rows: max(1, ext.Rows)}
}

func (f *FogMask) Extents() Extents { return f.ext }

func (f *FogMask) index(c Cell) int { return c.Row*f.ext.Cols + c.Col }

// Reveal 揭示区域；越界部分被裁剪，返回实际区域与是否裁剪
func (f *FogMask) Reveal(r Region) (Region, bool) {
	return f.fill(r, true)
}

// Conceal 隐藏区域
func (f *FogMask) Conceal(r Region) (Region, bool) {
	return f.fill(r, false)
}

func (f *FogMask) fill(r Region, v bool) (Region, bool) {
	r = r.normalize()
	from, c1 := f.ext.Clamp(r.From)
	to, c2 := f.ext.Clamp(r.To)
	for row := from.Row; row <= to.Row; row++ {
		for col := from.Col; col <= to.Col; col++ {
			f.cells[f.index(Cell{Col: col, Row: row})] = v
		}
	}
	return Region{From: from, To: to}, c1 || c2
}

// RevealAll 揭示整张棋盘
func (f *FogMask) RevealAll() {
	for i := range f.cells {
		f.cells[i] = true
	}
}

// ConcealAll 隐藏整张棋盘
func (f *FogMask) ConcealAll() {
	for i := range f.cells {
		f.cells[i] = false
	}
}

// IsRevealed 查询单元；越界单元按最近的有效单元判断
func (f *FogMask) IsRevealed(c Cell) bool {
	c, _ = f.ext.Clamp(c)
	return f.cells[f.index(c)]
}

// Resize 重新分配掩码，保留重叠单元的状态，新单元默认隐藏
func (f *FogMask) Resize(ext Extents) {
	ext = sanitizeExtents(ext)
	if ext == f.ext {
		return
	}
	cells := make([]bool, ext.Cols*ext.Rows)
	rows := min(ext.Rows, f.ext.Rows)
	cols := min(ext.Cols, f.ext.Cols)
	for row := 0; row < rows; row++ {
		copy(cells[row*ext.Cols:row*ext.Cols+cols], f.cells[row*f.ext.Cols:row*f.ext.Cols+cols])
	}
	f.ext = ext
	f.cells = cells
}

// Clone 深拷贝
func (f *FogMask) Clone() *FogMask {
	c := &FogMask{ext: f.ext, cells: make([]bool, len(f.cells))}
	copy(c.cells, f.cells)
	return c
}

// Rows 导出为字符串行（'#' 隐藏，'.' 揭示），用于存档
func (f *FogMask) Rows() []string {
	out := make([]string, f.ext.Rows)
	buf := make([]byte, f.ext.Cols)
	for row := 0; row < f.ext.Rows; row++ {
		for col := 0; col < f.ext.Cols; col++ {
			if f.cells[f.index(Cell{Col: col, Row: row})] {
				buf[col] = '.'
			} else {
				buf[col] = '#'
			}
		}
		out[row] = string(buf)
	}
	return out
}

// loadRows 从存档行恢复；尺寸不一致的部分按 Resize 规则处理
func (f *FogMask) loadRows(rows []string) {
	for row := 0; row < len(rows) && row < f.ext.Rows; row++ {
		line := rows[row]
		for col := 0; col < len(line) && col < f.ext.Cols; col++ {
			f.cells[f.index(Cell{Col: col, Row: row})] = line[col] == '.'
		}
	}
}
