// internal/browser/session/scripts.go
package session

import (
	"encoding/json"
	"fmt"
)

// frameWrapper resolves the target document and evaluates a function body
// against it. Geometry helpers translate frame coordinates into top-level
// viewport coordinates by adding the iframe's client box offset.
// Placeholders: %[1]s frame pattern (JSON), %[2]s body.
const frameWrapper = `(async () => {
  const pattern = %[1]s;
  const fail = (reason) => ({ __quillFail: String(reason) });
  let frameEl = null;
  let doc = document;
  if (pattern) {
    frameEl = Array.from(document.querySelectorAll('iframe, frame')).find((f) =>
      f.id === pattern || f.name === pattern || (f.getAttribute('src') || '').includes(pattern)) || null;
    if (!frameEl) return { ok: false, reason: 'frame not found: ' + pattern };
    try { doc = frameEl.contentDocument; } catch (e) { doc = null; }
    if (!doc || !doc.body) return { ok: false, reason: 'frame document unavailable: ' + pattern };
  }
  const offset = () => {
    if (!frameEl) return { x: 0, y: 0 };
    const r = frameEl.getBoundingClientRect();
    return { x: r.left + frameEl.clientLeft, y: r.top + frameEl.clientTop };
  };
  const toPage = (r) => {
    const o = offset();
    return { x: o.x + r.left + r.width / 2, y: o.y + r.top + r.height / 2 };
  };
  const win = doc.defaultView || window;
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    const s = win.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0';
  };
  const v = await (async function (doc, frameEl, fail, toPage, visible) {
%[2]s
  })(doc, frameEl, fail, toPage, visible);
  if (v && typeof v === 'object' && '__quillFail' in v) return { ok: false, reason: v.__quillFail };
  return { ok: true, value: v === undefined ? null : v };
})()`

// wrap builds the expression evaluated for a Target.
func wrap(t Target, body string) string {
	return fmt.Sprintf(frameWrapper, jsonEncode(t.Frame), body)
}

// jsonEncode is a helper to safely encode a value (especially strings) for JS injection.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

func queryBody(selector string) string {
	return fmt.Sprintf(`
    let nodes;
    try { nodes = Array.from(doc.querySelectorAll(%s)); } catch (e) { return fail('invalid selector: ' + e.message); }
    const first = nodes.find(visible);
    if (first && first.scrollIntoViewIfNeeded) first.scrollIntoViewIfNeeded(true);
    return nodes.map((el) => ({
      text: (el.innerText || el.textContent || '').trim(),
      value: el.value === undefined ? '' : String(el.value),
      visible: visible(el),
      center: toPage(el.getBoundingClientRect()),
    }));`, jsonEncode(selector))
}

func clickTargetBody(selector string) string {
	return fmt.Sprintf(`
    let el;
    try { el = doc.querySelector(%s); } catch (e) { return fail('invalid selector: ' + e.message); }
    if (!el) return fail('no element matches');
    el.scrollIntoView({ block: 'center', inline: 'center' });
    if (!visible(el)) return fail('element not visible');
    return toPage(el.getBoundingClientRect());`, jsonEncode(selector))
}

func focusBody(selector string) string {
	return fmt.Sprintf(`
    let el;
    try { el = doc.querySelector(%s); } catch (e) { return fail('invalid selector: ' + e.message); }
    if (!el) return fail('no element matches');
    el.scrollIntoView({ block: 'center' });
    el.focus();
    if (typeof el.select === 'function') el.select();
    return true;`, jsonEncode(selector))
}

// findTextBody walks text nodes for an exact literal. A match is rejected when
// it is directly followed by a digit so "(image 1" never matches "(image 12".
// In WholeURL mode the match is also rejected when more URL text follows it.
func findTextBody(q TextQuery) string {
	return fmt.Sprintf(`
    const needle = %s;
    const wantSelect = %t;
    const wholeURL = %t;
    const urlTail = (text, from) => {
      let end = from;
      while (end < text.length && !/[\s<>"'()\[\]{}]/.test(text.charAt(end))) end++;
      return text.slice(from, end).replace(/[.,;:!?]+$/, '');
    };
    const walker = doc.createTreeWalker(doc.body, NodeFilter.SHOW_TEXT);
    let hit = null, count = 0;
    for (let node = walker.nextNode(); node; node = walker.nextNode()) {
      const text = node.nodeValue || '';
      let from = 0, idx;
      while ((idx = text.indexOf(needle, from)) !== -1) {
        from = idx + needle.length;
        const next = text.charAt(from);
        if (next >= '0' && next <= '9') continue;
        if (wholeURL && urlTail(text, from) !== '') continue;
        count++;
        if (!hit) hit = { node, idx };
      }
    }
    if (!hit) return fail('text not found');
    const range = doc.createRange();
    range.setStart(hit.node, hit.idx);
    range.setEnd(hit.node, hit.idx + needle.length);
    const el = hit.node.parentElement;
    if (el) el.scrollIntoView({ block: 'center' });
    const r = range.getBoundingClientRect();
    if (r.width === 0 && r.height === 0) return fail('text has no layout box');
    if (wantSelect) {
      const sel = (doc.defaultView || window).getSelection();
      sel.removeAllRanges();
      sel.addRange(range);
    }
    return {
      center: toPage(r),
      frameCenter: { x: r.left + r.width / 2, y: r.top + r.height / 2 },
      count,
    };`, jsonEncode(q.Needle), q.Select, q.WholeURL)
}

func snapshotBody(probes []string) string {
	if probes == nil {
		probes = []string{}
	}
	return fmt.Sprintf(`
    const present = {};
    for (const sel of %s) {
      try { present[sel] = Array.from(doc.querySelectorAll(sel)).some(visible); } catch (e) { present[sel] = false; }
    }
    return {
      url: String(location.href),
      title: doc.title || '',
      text: (doc.body && (doc.body.innerText || doc.body.textContent) || '').slice(0, 20000),
      present,
    };`, jsonEncode(probes))
}

func visibleBody(selector string) string {
	return fmt.Sprintf(`
    try { return Array.from(doc.querySelectorAll(%s)).some(visible); } catch (e) { return fail('invalid selector: ' + e.message); }`,
		jsonEncode(selector))
}

func selectBody(selector, value string) string {
	return fmt.Sprintf(`
    const el = doc.querySelector(%s);
    if (!el) return fail('no element matches');
    const want = %s;
    const opt = Array.from(el.options || []).find((o) => o.value === want || (o.textContent || '').trim() === want);
    if (!opt) return fail('no option ' + want);
    el.value = opt.value;
    el.dispatchEvent(new Event('input', { bubbles: true }));
    el.dispatchEvent(new Event('change', { bubbles: true }));
    return opt.value;`, jsonEncode(selector), jsonEncode(value))
}

// clipboardBody writes every populated representation as one ClipboardItem.
// Binary payloads travel base64 encoded.
func clipboardBody(data ClipboardData) string {
	var text, html, png interface{}
	if data.Text != "" {
		text = data.Text
	}
	if data.HTML != "" {
		html = data.HTML
	}
	if len(data.PNG) > 0 {
		png = data.PNG // encoding/json renders []byte as base64
	}
	return fmt.Sprintf(`
    const text = %s, html = %s, png = %s;
    const items = {};
    if (text !== null) items['text/plain'] = new Blob([text], { type: 'text/plain' });
    if (html !== null) items['text/html'] = new Blob([html], { type: 'text/html' });
    if (png !== null) {
      const bin = atob(png);
      const bytes = new Uint8Array(bin.length);
      for (let i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
      items['image/png'] = new Blob([bytes], { type: 'image/png' });
    }
    window.focus();
    try {
      await navigator.clipboard.write([new ClipboardItem(items)]);
    } catch (e) {
      return fail('clipboard write rejected: ' + e.message);
    }
    return Object.keys(items);`, jsonEncode(text), jsonEncode(html), jsonEncode(png))
}
